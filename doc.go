// Package emf emits CloudWatch embedded metric format (EMF) records from Go
// applications without blocking the caller on network I/O.
//
// The core is an asynchronous egress pipeline: a bounded, load-shedding queue
// decouples metric producers from one background sender goroutine, which owns
// the connection to a local CloudWatch agent and reconnects, requeues and
// backs off when the agent goes away. Shutdown drains the queue within a
// caller-supplied time budget and always stops the sender.
//
// Design goals:
//   - Accept never blocks on the network and never fails under load; a full
//     queue drops the record and logs a warning
//   - Transport failures stay inside the sender; callers only see
//     construction errors and use after shutdown
//   - One sink, one connection, one goroutine, no package-level state
//
// Basic usage:
//
//	cfg, err := emf.LoadConfig("")
//	if err != nil {
//	  log.Fatal(err)
//	}
//
//	agentCfg := emf.DefaultAgentConfig()
//	agentCfg.Endpoint = cfg.AgentEndpoint // tcp://127.0.0.1:25888
//	agentCfg.Logger = logger
//	sink, err := emf.NewAgentSink(agentCfg)
//	if err != nil {
//	  log.Fatal(err)
//	}
//	defer sink.Shutdown(5 * time.Second)
//
//	m := emf.NewMetrics(sink, cfg)
//	m.PutDimension("Operation", "checkout").
//	  PutMetric("Latency", 42, emf.Milliseconds).
//	  SetProperty("RequestId", id)
//	_ = m.Flush()
//
// Any Sink can be made asynchronous with NewAsyncSink, for example a TCPSink
// or a RemoteWriteSink.
package emf
