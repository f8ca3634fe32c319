package message

import (
	"encoding/json"
	"time"

	"github.com/nvidia-earth2/dfm/internal/dfmapi"
)

// Job is an enqueued unit of work on the execute or scheduler streams.
type Job struct {
	HomeSite    string          `json:"home_site"`
	RequestID   string          `json:"request_id"`
	Deadline    *time.Time      `json:"deadline,omitempty"`
	IsDiscovery bool            `json:"is_discovery"`
	Execute     dfmapi.Execute  `json:"execute"`
}

// IsDelayed reports whether the job carries a deadline strictly in the
// future.
func (j Job) IsDelayed() bool {
	return j.Deadline != nil && j.Deadline.After(time.Now().UTC())
}

// DeadlineScore returns the job's deadline as epoch seconds for the
// scheduler's sorted set, or 0 (immediately due) when there is none.
func (j Job) DeadlineScore() float64 {
	if j.Deadline == nil {
		return 0
	}
	return float64(j.Deadline.UnixNano()) / 1e9
}

func (j Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

func UnmarshalJob(data []byte) (Job, error) {
	var j Job
	err := json.Unmarshal(data, &j)
	return j, err
}
