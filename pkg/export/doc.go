// Package export provides candle export and raw series backup and restore.
//
// # Formats
//
// JSON exports carry a metadata header and either the raw ticks of an
// instrument or its candles at one resolution. Only raw exports can be
// imported again; candles are derived and are rebuilt on import.
//
// CSV exports are flattened for spreadsheets and analysis tools:
//
//	timestamp,value                               (raw)
//	bucket_start,open,high,low,close,samples      (candles)
//
// # HTTP API
//
// Export endpoint: GET /v1/export/{category}/{symbol}
//
//	curl "http://localhost:8080/v1/export/crypto/btcusd?format=csv&resolution=1h" -o btc-1h.csv
//	curl "http://localhost:8080/v1/export/crypto/btcusd" -o btc-raw.json
//
// Import endpoint: POST /v1/import
//
//	curl -X POST "http://localhost:8080/v1/import" \
//	  -H "Content-Type: application/json" \
//	  -d @btc-raw.json
//
// Import replays every tick through the engine, so derived series, change
// events and retention all behave exactly as for live ingestion. Ticks the
// engine rejects are skipped and reported in the result.
package export
