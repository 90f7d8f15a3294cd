package pipeline

// Status is the externally visible lifecycle state of a Coordinator.
type Status struct {
	ID              string `json:"id"`
	Starting        bool   `json:"starting"`
	Running         bool   `json:"running"`
	ModelReady      bool   `json:"model_ready"`
	FullScene       bool   `json:"full_scene"`
	PerformanceMode bool   `json:"performance_mode"`
	TargetVisible   bool   `json:"target_visible"`
}

// StatusReader reports pipeline status.
type StatusReader interface {
	Status() Status
}

// Status returns the current lifecycle state.
func (c *Coordinator) Status() Status {
	settings := c.Settings()
	return Status{
		ID:              c.id,
		Starting:        c.starting.Load(),
		Running:         c.running.Load(),
		ModelReady:      c.sessionRef.Load().Ready(),
		FullScene:       c.fullScene.Load(),
		PerformanceMode: settings.PerformanceMode,
		TargetVisible:   c.visible.Load(),
	}
}
