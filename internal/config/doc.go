// Package config loads and watches the pagecarbon configuration file.
//
// Top-level types:
//   - Config{Monitor, Grid, Retry, Enrich, Model, Server, Storage, Kafka, Alerts}
//   - MonitorConfig — detailed_delay, refine_delay, poll_interval, continuous,
//     load_on_start, buffer_size, exclude
//   - Grid — the default grid intensity (device_country, data_center,
//     network_country), the only section applied live on reload
//   - RetryConfig, EnrichConfig, ModelConfig — lookup retry policy, lookup
//     endpoints and fallbacks, CO2 model coefficients
//   - ServerConfig, StorageConfig, KafkaConfig, AlertsConfig — outer surfaces
//
// Load(path) reads the YAML file, applies defaults (2s detailed delay, 1s
// refine delay, 3 retries from 1s, 5s per attempt, FRA/207/FRA grid, port
// 8080), then validates ranges and enums.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config.
package config
