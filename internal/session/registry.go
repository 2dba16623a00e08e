package session

// Role is the slot a connection occupies in a session
type Role int

const (
	RoleNone Role = iota
	RoleProducer
	RoleConsumer
)

func (r Role) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleConsumer:
		return "consumer"
	default:
		return "unknown"
	}
}

// ClientType returns the wire name of the role
func (r Role) ClientType() string {
	switch r {
	case RoleProducer:
		return "phone"
	case RoleConsumer:
		return "site"
	default:
		return ""
	}
}

// Registry tracks which connection holds the producer and consumer slots.
// It is owned by the hub goroutine and is not safe for concurrent use.
type Registry struct {
	producer *Conn
	consumer *Conn
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Register puts c into the slot for role. The previous holder of that slot is
// returned but not closed; it simply loses the role. A connection holds at
// most one slot, so registering for the other role vacates the old one.
func (r *Registry) Register(c *Conn, role Role) (evicted *Conn) {
	switch role {
	case RoleProducer:
		if r.consumer == c {
			r.consumer = nil
		}
		if r.producer != c {
			evicted = r.producer
		}
		r.producer = c
	case RoleConsumer:
		if r.producer == c {
			r.producer = nil
		}
		if r.consumer != c {
			evicted = r.consumer
		}
		r.consumer = c
	}
	return evicted
}

// Producer returns the current producer or nil
func (r *Registry) Producer() *Conn { return r.producer }

// Consumer returns the current consumer or nil
func (r *Registry) Consumer() *Conn { return r.consumer }

func (r *Registry) IsProducer(c *Conn) bool { return c != nil && r.producer == c }

func (r *Registry) IsConsumer(c *Conn) bool { return c != nil && r.consumer == c }

// RoleOf returns the slot held by c
func (r *Registry) RoleOf(c *Conn) Role {
	switch {
	case r.IsProducer(c):
		return RoleProducer
	case r.IsConsumer(c):
		return RoleConsumer
	default:
		return RoleNone
	}
}

// Disconnect clears whichever slot c holds. Slots held by other
// connections are untouched.
func (r *Registry) Disconnect(c *Conn) Role {
	role := r.RoleOf(c)
	switch role {
	case RoleProducer:
		r.producer = nil
	case RoleConsumer:
		r.consumer = nil
	}
	return role
}
