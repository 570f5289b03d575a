// Package invoker runs one external script per trigger event, on a schedule
// or on manual dispatch, passing a secret token and an issue reference number.
//
// Every event is exactly one attempt: a non-zero exit is reported as a failed
// run record and never retried.
package invoker
