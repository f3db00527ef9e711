// Package admission bounds concurrent execution of expensive jobs.
//
// A Queue owns Concurrency slots. Submit runs a job as soon as a slot is
// free, otherwise the job waits in strict arrival order. When MaxPending jobs
// are already waiting the submission is rejected with ErrOverloaded. Each
// job gets JobTimeout from the moment it starts executing; when that expires
// the caller receives ErrTimeout and the slot is released at once, while the
// job itself only sees its context cancelled.
package admission
