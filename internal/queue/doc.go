// Package queue schedules sample downloads with bounded concurrency,
// priority ordering, retry-with-requeue, and a queue-wide throttle that
// keeps request bursts away from the Freesound API.
package queue
