// Package bulk applies many independent calendar operations through a
// bounded, adaptively sized worker pool. Items run in consecutive batches;
// each batch finishes before the next starts, so the consistency modes can
// stop or roll back between batches while still parallelizing within one.
// Worker counts are adjusted between batches from recent latency samples.
package bulk
