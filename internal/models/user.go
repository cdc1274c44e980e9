package models

import "time"

// User is a portal account, keyed by the identity provider subject.
type User struct {
	ID        string    `bson:"_id,omitempty" json:"id" msgpack:"id"`
	Sub       string    `bson:"sub" json:"sub" msgpack:"sub"`
	Email     string    `bson:"email" json:"email" msgpack:"email"`
	Name      string    `bson:"name" json:"name" msgpack:"name"`
	Role      string    `bson:"role" json:"role" msgpack:"role"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt" msgpack:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt" msgpack:"updatedAt"`
}

// Profile is the cached read model served to the portal.
type Profile struct {
	User
	ScheduledAppointments int `json:"scheduledAppointments" msgpack:"scheduledAppointments"`
}
