// Package dispatch delivers instance operations to the host that owns the VM.
//
// The dispatcher resolves the owning host through the instance store, builds a
// message {method, args} where args always carries instance_uuid, and hands it
// to a Messenger addressed to the host queue "<topic>.<host>".
//
// Delivery modes:
//   - Notify: returns once the message is enqueued; remote success or failure
//     is not observable through the call.
//   - Request: blocks until the host worker replies or the messenger gives up
//     (the call timeout belongs to the messenger).
//
// Launch is different: it never goes to the owning host. After the admission
// guard passes, it is notified to the fixed scheduler queue carrying the
// operation topic, and the scheduler picks the host that receives the clone.
//
// Error handling:
//   - Lookup miss → ErrInstanceNotFound
//   - Guard rejection → the guard's error, unchanged, with nothing sent
//   - Messenger failure → *DispatchError
//
// Nothing here retries. bless, launch and discard are not idempotent.
package dispatch
