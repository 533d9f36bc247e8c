/*
Package sdk is the Go client for a tinyohlc server.

Ticks are validated locally, queued, and posted to /v1/ticks in batches
either when a batch fills up or on a fixed interval:

	client, err := sdk.New(sdk.ClientConfig{
	    Endpoint:   "http://localhost:8080",
	    FlushEvery: time.Second,
	})
	if err != nil {
	    return err
	}
	if err := client.Start(ctx); err != nil {
	    return err
	}
	defer client.Stop(context.Background())

	client.Send("crypto", "btcusd", time.Now().Unix(), 67012.5)

Candles are read back oldest first. Buckets missing any line are left out:

	candles, err := client.Candles(ctx, "crypto", "btcusd", "1m", 60)

A batch the server rejects is dropped as a whole and logged through the
configured zap logger; Stats reports how many ticks were sent and lost.
*/
package sdk
