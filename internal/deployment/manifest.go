package deployment

// CronJob describes a scheduled task declared in an app manifest. doseid
// parses these as part of the manifest but neither persists nor executes
// them (no scheduler exists in this system; spec.md §6).
type CronJob struct {
	Name    string `json:"name"`
	Run     string `json:"run"`
	IsAsync bool   `json:"is_async"`
}

// Manifest is the "app" field of a /deploy multipart request (spec.md §6).
type Manifest struct {
	Name     string            `json:"name" validate:"required,min=1,max=253"`
	Port     *int16            `json:"port" validate:"omitempty,gte=1,lte=65535"`
	Domains  []string          `json:"domains"`
	Env      map[string]string `json:"env"`
	CronJobs []CronJob         `json:"cron_jobs"`
}
