// Package config loads poselink configuration.
//
// A Config lists the sources to open, the consumer frames are delivered to,
// the NATS connection and the metrics endpoint. Files may be JSON or YAML and
// are applied as layers over Defaults, later layers overriding earlier ones.
// Maps merge key by key; lists such as sources are replaced whole.
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/studio-b.yaml")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Durations are written as strings ("250ms", "5s", "1d"). After the layers are
// merged, POSELINK_* environment variables override individual fields:
// POSELINK_NATS_URLS (comma separated), POSELINK_NATS_USERNAME,
// POSELINK_NATS_PASSWORD, POSELINK_NATS_TOKEN, POSELINK_CONSUMER_TYPE,
// POSELINK_POLL_INTERVAL and POSELINK_METRICS_PORT.
//
// SafeConfig wraps a Config for concurrent readers. Get returns a deep copy
// and Update validates before swapping.
package config
