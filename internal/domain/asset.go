package domain

import "time"

// ImageRole labels the three inputs of a try-on request.
type ImageRole string

const (
	RoleHuman  ImageRole = "human"
	RoleItem   ImageRole = "item"
	RoleMask   ImageRole = "mask"
	RoleOutput ImageRole = "output"
)

// InputRoles lists the roles a client must upload, in staging order.
var InputRoles = []ImageRole{RoleHuman, RoleItem, RoleMask}

// GenerationAsset records the permanent URLs produced for a job. Rows are
// append-only.
type GenerationAsset struct {
	ID             string
	JobID          string
	ItemImageURL   string
	MaskImageURL   string
	OutputImageURL *string
	CreatedAt      time.Time
}
