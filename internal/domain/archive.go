package domain

import "time"

// Archive is the record of one finished batch, written by the archive worker.
type Archive struct {
	BatchID     string
	ObjectKey   string
	Succeeded   int
	Failed      int
	CompletedAt time.Time
	CreatedAt   time.Time
	Rows        []ArchiveRow
}

type ArchiveRow struct {
	JobID      string     `json:"job_id"`
	FileName   string     `json:"file_name"`
	State      JobState   `json:"state"`
	Record     CardRecord `json:"record"`
	Error      string     `json:"error,omitempty"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	Attempts   int        `json:"attempts"`
	DurationMS int64      `json:"duration_ms"`
}

// ArchiveRowsFromJobs keeps only terminal jobs, in the given order.
func ArchiveRowsFromJobs(jobs []Job) []ArchiveRow {
	rows := make([]ArchiveRow, 0, len(jobs))
	for _, job := range jobs {
		if !job.State.Terminal() {
			continue
		}
		row := ArchiveRow{
			JobID:     job.ID,
			FileName:  job.Name,
			State:     job.State,
			Error:     job.Error,
			ErrorKind: job.ErrorKind,
			Attempts:  job.Attempts,
		}
		if job.Result != nil {
			row.Record = *job.Result
		}
		if job.StartedAt != nil && job.FinishedAt != nil {
			row.DurationMS = job.FinishedAt.Sub(*job.StartedAt).Milliseconds()
		}
		rows = append(rows, row)
	}
	return rows
}
