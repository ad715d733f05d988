// Package influxdb writes HTTQ telemetry to InfluxDB v2.
//
// Every bridged request becomes one httq_exchange point (mode, outcome and
// broker as tags; status, action count, payload size and duration as
// fields), and the server samples pool gauges into httq_engine.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteExchange(influxdb.Exchange{Mode: "publish", Outcome: "published", Status: 200})
//
// Writes are non-blocking and batched per batch_size and flush_interval;
// asynchronous failures go to the SetOnError callback.
package influxdb
