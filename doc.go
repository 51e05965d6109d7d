// Package spikenet orchestrates a neural network simulation that is split
// across one worker process per neuron group.
//
// The Orchestrator spawns workers on a message bus (see package transport),
// confirms each spawn, loads input data into every worker, starts an archiver,
// and then relays run, stop and step commands while a receive loop routes
// firing and monitoring telegrams back to display and plot sinks. Operations
// that every worker must acknowledge, such as saving weights, are tracked per
// worker by an AckTracker.
//
// Before workers are spawned every edge A->B without a partner B->A gets a
// virtual reverse edge so each group has an inbound channel from every group
// it talks to. Virtual edges are removed again when the simulation is torn
// down.
//
// # Quick Start
//
//	bus := transport.NewLocal(
//	    transport.WithProgram("worker", worker.Program(worker.NewNullModel)),
//	    transport.WithProgram("archiver", archiver.Program(db)),
//	)
//	orch := spikenet.NewOrchestrator(bus, db, db)
//
//	res, err := orch.Initialize(ctx, spikenet.InitRequest{NetworkID: 1})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if res.Started {
//	    orch.Start()
//	}
//	defer orch.Destroy(ctx)
//
// # Teardown
//
// Every path out of a simulation, whether a failed or cancelled Initialize, a
// fatal error in the receive loop, or Destroy, ends in the same cleanup: exit
// every worker, remove virtual edges, reset persisted assignments, stop the
// archiver and release the bus. Cleanup is idempotent.
package spikenet
