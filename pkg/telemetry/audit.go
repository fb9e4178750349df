package telemetry

// NewAuditSubscriber returns a subscriber that writes each event to logger
// at the event's level, carrying its root, task and data as fields.
func NewAuditSubscriber(logger *Logger) EventSubscriber {
	return func(e Event) {
		l := logger.WithField("event_type", e.Type).WithField("event_id", e.ID)
		if e.RootID != "" {
			l = l.WithRootID(e.RootID)
		}
		if e.TaskID != "" {
			l = l.WithTaskID(e.TaskID)
		}
		if len(e.Data) > 0 {
			l = l.WithFields(e.Data)
		}

		switch e.Level {
		case EventLevelError:
			l.Error(e.Message)
		case EventLevelWarning:
			l.Warn(e.Message)
		default:
			l.Info(e.Message)
		}
	}
}
