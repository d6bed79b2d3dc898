package data

import (
	"time"

	"github.com/google/uuid"
)

// NvrConfig is a camera deployment at one site. Credentials are stored
// as given and compared verbatim; NVR firmware in this ecosystem
// rejects anything percent-encoded.
type NvrConfig struct {
	ID          uuid.UUID `json:"id"`
	SiteName    string    `json:"site_name"`
	NvrHost     string    `json:"nvr_host"`
	NvrPort     int       `json:"nvr_port"`
	NvrUser     string    `json:"nvr_user"`
	NvrPassword string    `json:"nvr_password"`

	// Optional coordinates of the site's external parking database.
	ExtDBHost     *string `json:"ext_db_host,omitempty"`
	ExtDBPort     *int    `json:"ext_db_port,omitempty"`
	ExtDBUser     *string `json:"ext_db_user,omitempty"`
	ExtDBPassword *string `json:"ext_db_password,omitempty"`
	ExtDBName     *string `json:"ext_db_name,omitempty"`

	Channels  []*ChannelConfig `json:"channels,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ChannelConfig is one camera under an NvrConfig. channel_code is
// unique within the NVR and matches c<digits> case-insensitive.
type ChannelConfig struct {
	ID          uuid.UUID `json:"id"`
	NvrConfigID uuid.UUID `json:"nvr_config_id"`
	ChannelCode string    `json:"channel_code"`
	CameraIP    string    `json:"camera_ip"`
	DisplayName string    `json:"display_name"`
	VendorSN    string    `json:"vendor_sn,omitempty"`

	// TrackSpace is the recognition-ROI polygon as provided by the
	// vendor tool. Opaque: stored and exposed, never parsed.
	TrackSpace *string `json:"track_space,omitempty"`

	Spaces    []ParkingSpace `json:"parking_spaces,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ParkingSpace is one detection region in the 1920x1080 reference
// frame. Bboxes rescale to the actual frame at inference time.
type ParkingSpace struct {
	ID              int64     `json:"id"`
	ChannelConfigID uuid.UUID `json:"channel_config_id"`
	Position        int       `json:"position"`
	SpaceID         string    `json:"space_id"`
	SpaceName       string    `json:"space_name"`
	X1              int       `json:"x1"`
	Y1              int       `json:"y1"`
	X2              int       `json:"x2"`
	Y2              int       `json:"y2"`
}
