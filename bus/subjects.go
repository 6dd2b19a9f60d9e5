package bus

// Subjects names the subjects one taskboard deployment uses. Every subject
// hangs off a shared prefix so several deployments can share a server.
type Subjects struct {
	Prefix string
}

// NewSubjects returns the subjects under prefix. Default prefix: "taskboard".
func NewSubjects(prefix string) Subjects {
	if prefix == "" {
		prefix = "taskboard"
	}
	return Subjects{Prefix: prefix}
}

// Actions carries action events from chat adapters.
func (s Subjects) Actions() string {
	return s.Prefix + ".actions"
}

// SurfacePost asks the gateway to post a message.
func (s Subjects) SurfacePost() string {
	return s.Prefix + ".surface.post"
}

// SurfaceDelete asks the gateway to delete a message.
func (s Subjects) SurfaceDelete() string {
	return s.Prefix + ".surface.delete"
}

// SurfaceFetch asks the gateway whether a message exists.
func (s Subjects) SurfaceFetch() string {
	return s.Prefix + ".surface.fetch"
}

// RateLimit carries capacity announcements between replicas.
func (s Subjects) RateLimit() string {
	return s.Prefix + ".ratelimit.capacity"
}
