// Package queue admits and sequences work items. An item enters queued
// (ready to schedule) or generating (waiting on spec synthesis), is
// ordered by priority then age, and can be cancelled before it runs or
// requeued after it fails. Completed execution items chain a follow-up
// verification item per pull request.
package queue
