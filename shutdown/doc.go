// Package shutdown stops a taskboard server in order.
//
// Components register under a phase. On SIGTERM, SIGINT or an explicit
// Shutdown, phases run from lowest to highest; handlers within a phase
// run concurrently and share the shutdown deadline.
//
//	coord := shutdown.NewCoordinator(shutdown.Config{Timeout: 30 * time.Second, Logger: log})
//	coord.Register("http", shutdown.PhaseIngress, shutdown.Func(srv.Shutdown))
//	coord.Register("actions", shutdown.PhaseIngress, shutdown.Stopper(listener.Stop))
//	coord.Register("store", shutdown.PhaseRelease, shutdown.Closer(st))
//	coord.HandleSignals()
//	<-coord.Done()
//
// A failing step does not stop later phases unless Config.StopOnError is
// set; the store and the bus still get closed when the HTTP server fails
// to drain.
package shutdown
