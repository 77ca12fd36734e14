package task

// Listener observes a run. For every unit the calls arrive in the order
// OnReady, OnRunning, then exactly one of OnFinished or OnFailed. OnRunning
// is skipped for units that fail before their body starts. OnStop is called
// once, after the root reached a terminal state.
type Listener interface {
	OnReady(t Task)
	OnRunning(t Task)
	OnFinished(t Task)
	OnFailed(t Task, err error)
	OnStop(success bool, err error)
}

// ListenerFuncs adapts optional functions to Listener.
type ListenerFuncs struct {
	Ready    func(t Task)
	Running  func(t Task)
	Finished func(t Task)
	Failed   func(t Task, err error)
	Stop     func(success bool, err error)
}

func (l ListenerFuncs) OnReady(t Task) {
	if l.Ready != nil {
		l.Ready(t)
	}
}

func (l ListenerFuncs) OnRunning(t Task) {
	if l.Running != nil {
		l.Running(t)
	}
}

func (l ListenerFuncs) OnFinished(t Task) {
	if l.Finished != nil {
		l.Finished(t)
	}
}

func (l ListenerFuncs) OnFailed(t Task, err error) {
	if l.Failed != nil {
		l.Failed(t, err)
	}
}

func (l ListenerFuncs) OnStop(success bool, err error) {
	if l.Stop != nil {
		l.Stop(success, err)
	}
}

// MultiListener fans every call out to its members in order.
type MultiListener []Listener

func (m MultiListener) OnReady(t Task) {
	for _, l := range m {
		l.OnReady(t)
	}
}

func (m MultiListener) OnRunning(t Task) {
	for _, l := range m {
		l.OnRunning(t)
	}
}

func (m MultiListener) OnFinished(t Task) {
	for _, l := range m {
		l.OnFinished(t)
	}
}

func (m MultiListener) OnFailed(t Task, err error) {
	for _, l := range m {
		l.OnFailed(t, err)
	}
}

func (m MultiListener) OnStop(success bool, err error) {
	for _, l := range m {
		l.OnStop(success, err)
	}
}
