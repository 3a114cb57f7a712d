// Package contracts defines the envelope that moves through the delivery
// engine, its lifecycle states, the wire header contract every transport
// and storage adapter must round-trip, and the error report persisted when
// an envelope is dead-lettered.
//
// Status transitions are only made through the envelope methods:
//
//	env := contracts.NewEnvelope(msg)
//	env.ScheduleDelayed(5*time.Second, time.Now()) // Scheduled, ScheduledTime set
//	env.MarkIncoming()                             // ready to process
//	env.MarkHandled()
package contracts
