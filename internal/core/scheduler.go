package core

// Scheduler decides which stages of one run may start. It is owned by a
// single run driver and is not safe for concurrent use.
type Scheduler struct {
	def    *PipelineDefinition
	status map[string]StageStatus
}

// NewScheduler creates a scheduler with every stage Pending.
func NewScheduler(def *PipelineDefinition) *Scheduler {
	s := &Scheduler{def: def, status: make(map[string]StageStatus, len(def.Stages))}
	for _, stage := range def.Stages {
		s.status[stage.Name] = StagePending
	}
	return s
}

// Ready returns the pending stages whose dependencies are all terminal,
// in definition order.
func (s *Scheduler) Ready() []StageSpec {
	var ready []StageSpec
	for _, stage := range s.def.Stages {
		if s.status[stage.Name] != StagePending {
			continue
		}
		eligible := true
		for _, dep := range stage.Needs {
			if !s.status[dep].Terminal() {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, stage)
		}
	}
	return ready
}

// Mark records the current status of a stage.
func (s *Scheduler) Mark(name string, status StageStatus) {
	s.status[name] = status
}

// Status returns the recorded status of a stage.
func (s *Scheduler) Status(name string) StageStatus {
	return s.status[name]
}

// Pending returns the stages that never started, in definition order.
func (s *Scheduler) Pending() []string {
	var names []string
	for _, stage := range s.def.Stages {
		if s.status[stage.Name] == StagePending {
			names = append(names, stage.Name)
		}
	}
	return names
}

// Dependents returns every stage that transitively needs name.
func (s *Scheduler) Dependents(name string) []string {
	reverse := make(map[string][]string)
	for _, stage := range s.def.Stages {
		for _, dep := range stage.Needs {
			reverse[dep] = append(reverse[dep], stage.Name)
		}
	}
	seen := map[string]bool{}
	queue := []string{name}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range reverse[current] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	var out []string
	for _, stage := range s.def.Stages {
		if seen[stage.Name] {
			out = append(out, stage.Name)
		}
	}
	return out
}
