package models

// ProgressUpdate is broadcast to websocket clients while a task runs.
type ProgressUpdate struct {
	TaskID          int64      `json:"task_id"`
	ChapterID       int64      `json:"chapter_id"`
	Status          TaskStatus `json:"status"`
	Message         string     `json:"message"`
	DownloadedPages int        `json:"downloaded_pages"`
	TotalPages      int        `json:"total_pages"`
	Progress        float64    `json:"progress"`
	Done            bool       `json:"done"`
}
