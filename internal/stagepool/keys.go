// Copyright 2025 James Ross

// Package stagepool implements the Stage Worker Pool: a bounded,
// Redis-list-backed queue per enrichment stage, drained by N
// concurrent goroutine workers that call into the Provider Adapter and
// write their results through the Result Sink.
package stagepool

import "fmt"

func queueKey(stage string) string {
	return fmt.Sprintf("menusense:stage:%s:queue", stage)
}

func processingListKey(stage, workerID string) string {
	return fmt.Sprintf("menusense:stage:%s:worker:%s:processing", stage, workerID)
}

func heartbeatKey(stage, workerID string) string {
	return fmt.Sprintf("menusense:stage:%s:worker:%s:heartbeat", stage, workerID)
}

// processingListPattern is used by the reconciliation sweep's SCAN.
func processingListPattern(stage string) string {
	return fmt.Sprintf("menusense:stage:%s:worker:*:processing", stage)
}
