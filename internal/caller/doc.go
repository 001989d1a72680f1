// Package caller tracks which remote endpoint should receive lifecycle calls
// for each form.
//
// Two registries share one worker queue:
// - HostRegistry maps a form id to the host endpoint rendering it.
// - ProviderRegistry maps a provider endpoint to the forms it supplies.
//
// When a watched endpoint dies, its records are removed by a task posted to
// the queue after a short delay rather than inside the death notification.
// Records for a dead endpoint stay visible until that task runs.
package caller
