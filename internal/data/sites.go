package data

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type SiteModel struct {
	DB DBTX
}

// CreateNvr inserts a site config.
func (m SiteModel) CreateNvr(ctx context.Context, c *NvrConfig) error {
	query := `
		INSERT INTO nvr_configs (site_name, nvr_host, nvr_port, nvr_user, nvr_password,
			ext_db_host, ext_db_port, ext_db_user, ext_db_password, ext_db_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`
	err := m.DB.QueryRowContext(ctx, query,
		c.SiteName, c.NvrHost, c.NvrPort, c.NvrUser, c.NvrPassword,
		c.ExtDBHost, c.ExtDBPort, c.ExtDBUser, c.ExtDBPassword, c.ExtDBName,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetNvr loads a site config with its channels and spaces.
func (m SiteModel) GetNvr(ctx context.Context, id uuid.UUID) (*NvrConfig, error) {
	var c NvrConfig
	err := m.DB.QueryRowContext(ctx, `
		SELECT id, site_name, nvr_host, nvr_port, nvr_user, nvr_password,
		       ext_db_host, ext_db_port, ext_db_user, ext_db_password, ext_db_name,
		       created_at, updated_at
		FROM nvr_configs WHERE id = $1`, id).Scan(
		&c.ID, &c.SiteName, &c.NvrHost, &c.NvrPort, &c.NvrUser, &c.NvrPassword,
		&c.ExtDBHost, &c.ExtDBPort, &c.ExtDBUser, &c.ExtDBPassword, &c.ExtDBName,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	channels, err := m.listChannels(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	c.Channels = channels
	return &c, nil
}

// ListNvrs returns all site configs with channels attached.
func (m SiteModel) ListNvrs(ctx context.Context) ([]*NvrConfig, error) {
	rows, err := m.DB.QueryContext(ctx, `
		SELECT id, site_name, nvr_host, nvr_port, nvr_user, nvr_password,
		       ext_db_host, ext_db_port, ext_db_user, ext_db_password, ext_db_name,
		       created_at, updated_at
		FROM nvr_configs ORDER BY site_name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*NvrConfig
	for rows.Next() {
		var c NvrConfig
		if err := rows.Scan(&c.ID, &c.SiteName, &c.NvrHost, &c.NvrPort, &c.NvrUser, &c.NvrPassword,
			&c.ExtDBHost, &c.ExtDBPort, &c.ExtDBUser, &c.ExtDBPassword, &c.ExtDBName,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		configs = append(configs, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, c := range configs {
		channels, err := m.listChannels(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		c.Channels = channels
	}
	return configs, nil
}

// UpdateNvr rewrites the mutable fields of a site config.
func (m SiteModel) UpdateNvr(ctx context.Context, c *NvrConfig) error {
	query := `
		UPDATE nvr_configs
		SET site_name = $1, nvr_host = $2, nvr_port = $3, nvr_user = $4, nvr_password = $5,
		    ext_db_host = $6, ext_db_port = $7, ext_db_user = $8, ext_db_password = $9, ext_db_name = $10,
		    updated_at = NOW()
		WHERE id = $11
		RETURNING updated_at`
	err := m.DB.QueryRowContext(ctx, query,
		c.SiteName, c.NvrHost, c.NvrPort, c.NvrUser, c.NvrPassword,
		c.ExtDBHost, c.ExtDBPort, c.ExtDBUser, c.ExtDBPassword, c.ExtDBName, c.ID,
	).Scan(&c.UpdatedAt)
	if err == sql.ErrNoRows {
		return ErrRecordNotFound
	}
	return err
}

// DeleteNvr removes a site config; channels and spaces cascade.
func (m SiteModel) DeleteNvr(ctx context.Context, id uuid.UUID) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM nvr_configs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// UpsertChannel inserts or updates one channel keyed on
// (nvr_config_id, channel_code), replacing its parking spaces.
func (m SiteModel) UpsertChannel(ctx context.Context, ch *ChannelConfig) error {
	query := `
		INSERT INTO channel_configs (nvr_config_id, channel_code, camera_ip, display_name, vendor_sn, track_space)
		VALUES ($1, lower($2), $3, $4, $5, $6)
		ON CONFLICT (nvr_config_id, channel_code) DO UPDATE SET
			camera_ip = EXCLUDED.camera_ip,
			display_name = EXCLUDED.display_name,
			vendor_sn = EXCLUDED.vendor_sn,
			track_space = EXCLUDED.track_space,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`
	err := m.DB.QueryRowContext(ctx, query,
		ch.NvrConfigID, ch.ChannelCode, ch.CameraIP, ch.DisplayName, ch.VendorSN, ch.TrackSpace,
	).Scan(&ch.ID, &ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		return err
	}
	return m.replaceSpaces(ctx, ch.ID, ch.Spaces)
}

func (m SiteModel) replaceSpaces(ctx context.Context, channelID uuid.UUID, spaces []ParkingSpace) error {
	if _, err := m.DB.ExecContext(ctx, `DELETE FROM parking_spaces WHERE channel_config_id = $1`, channelID); err != nil {
		return err
	}
	for i := range spaces {
		spaces[i].ChannelConfigID = channelID
		spaces[i].Position = i
		err := m.DB.QueryRowContext(ctx, `
			INSERT INTO parking_spaces (channel_config_id, position, space_id, space_name, x1, y1, x2, y2)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
			channelID, i, spaces[i].SpaceID, spaces[i].SpaceName,
			spaces[i].X1, spaces[i].Y1, spaces[i].X2, spaces[i].Y2,
		).Scan(&spaces[i].ID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (m SiteModel) listChannels(ctx context.Context, nvrID uuid.UUID) ([]*ChannelConfig, error) {
	rows, err := m.DB.QueryContext(ctx, `
		SELECT id, nvr_config_id, channel_code, camera_ip, display_name, vendor_sn, track_space, created_at, updated_at
		FROM channel_configs WHERE nvr_config_id = $1 ORDER BY channel_code ASC`, nvrID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []*ChannelConfig
	for rows.Next() {
		var ch ChannelConfig
		if err := rows.Scan(&ch.ID, &ch.NvrConfigID, &ch.ChannelCode, &ch.CameraIP,
			&ch.DisplayName, &ch.VendorSN, &ch.TrackSpace, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
			return nil, err
		}
		channels = append(channels, &ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, ch := range channels {
		spaces, err := m.SpacesForChannel(ctx, ch.ID)
		if err != nil {
			return nil, err
		}
		ch.Spaces = spaces
	}
	return channels, nil
}

// SpacesForChannel returns the ordered parking spaces of one channel.
func (m SiteModel) SpacesForChannel(ctx context.Context, channelID uuid.UUID) ([]ParkingSpace, error) {
	rows, err := m.DB.QueryContext(ctx, `
		SELECT id, channel_config_id, position, space_id, space_name, x1, y1, x2, y2
		FROM parking_spaces WHERE channel_config_id = $1 ORDER BY position ASC`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spaces []ParkingSpace
	for rows.Next() {
		var s ParkingSpace
		if err := rows.Scan(&s.ID, &s.ChannelConfigID, &s.Position, &s.SpaceID, &s.SpaceName,
			&s.X1, &s.Y1, &s.X2, &s.Y2); err != nil {
			return nil, err
		}
		spaces = append(spaces, s)
	}
	return spaces, rows.Err()
}

// SpacesForCombo resolves parking spaces for an (ip, channel) combo.
// The executor looks spaces up by what it parsed out of the rtsp_url.
func (m SiteModel) SpacesForCombo(ctx context.Context, cameraIP, channelCode string) ([]ParkingSpace, error) {
	rows, err := m.DB.QueryContext(ctx, `
		SELECT p.id, p.channel_config_id, p.position, p.space_id, p.space_name, p.x1, p.y1, p.x2, p.y2
		FROM parking_spaces p
		JOIN channel_configs ch ON ch.id = p.channel_config_id
		JOIN nvr_configs n ON n.id = ch.nvr_config_id
		WHERE (ch.camera_ip = $1 OR n.nvr_host = $1) AND ch.channel_code = lower($2)
		ORDER BY p.position ASC`, cameraIP, channelCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spaces []ParkingSpace
	for rows.Next() {
		var s ParkingSpace
		if err := rows.Scan(&s.ID, &s.ChannelConfigID, &s.Position, &s.SpaceID, &s.SpaceName,
			&s.X1, &s.Y1, &s.X2, &s.Y2); err != nil {
			return nil, err
		}
		spaces = append(spaces, s)
	}
	return spaces, rows.Err()
}
