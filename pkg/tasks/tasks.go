// Package tasks defines the payloads that are sent to Kafka.
package tasks

import "time"

// DeletionTask 表示一次需要重新执行的文档删除。
// Attempt 记录已失败的次数，NotBefore 之前消费者不会处理该任务。
type DeletionTask struct {
	DocumentID string    `json:"document_id"`
	Residue    []string  `json:"residue,omitempty"`
	Attempt    int       `json:"attempt"`
	NotBefore  time.Time `json:"not_before"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
