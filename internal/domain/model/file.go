package model

import "time"

// FileRecord — файл результата, записанный в архив вместе с задачей.
type FileRecord struct {
	ID    int64
	JobID string
	Path  string
	Size  int64
	Mime  string
	// Hash — SHA-256 содержимого в hex
	Hash      string
	CreatedAt time.Time
}
