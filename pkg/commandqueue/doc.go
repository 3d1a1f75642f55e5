// Package commandqueue provides lane-based task execution with FIFO start order per lane.
//
// Invariants:
// - Tasks in the same lane start in FIFO order, at most the lane's concurrency at once.
// - Tasks in different lanes run independently.
// - Queue activity is observable through metrics.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	queue.SetConcurrency(commandqueue.LaneTurns, 32)
//	h, err := queue.Submit(ctx, commandqueue.LaneTurns, func(ctx context.Context) (interface{}, error) {
//		return nil, runTurn(ctx)
//	})
package commandqueue
