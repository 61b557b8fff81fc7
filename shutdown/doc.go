// Package shutdown stops the taskmem server in phases.
//
// The server registers one handler per component and a phase that orders
// them:
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.RegisterFunc("listener", shutdown.PhaseIntake, stopListener)
//	coord.RegisterFunc("driver", shutdown.PhaseDrain, waitDriver)
//	coord.RegisterFunc("tracer", shutdown.PhaseFlush, provider.Shutdown)
//	coord.RegisterFunc("bus", shutdown.PhaseClose, closeBus)
//	err := coord.WaitForSignal(ctx)
//
// Intake stops first so the driver can drain the events already queued
// before the exporters flush and the backends close. Handlers within one
// phase run concurrently and all share the shutdown deadline.
package shutdown
