package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pithecene-io/mrci/types"
)

// SubChannel is one row of the sub_channels table.
type SubChannel struct {
	ChannelID    uint64
	SubID        uint8
	Name         string
	LowestLevel  types.MemberLevel
	ActiveUpdate bool
}

// CreateChannel adds a channel owned by owner and returns its id.
func (s *Store) CreateChannel(ctx context.Context, name string, owner types.UserID) (uint64, error) {
	var id uint64
	err := s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO channels (channel_name) VALUES (?)`, name)
		if err != nil {
			return fmt.Errorf("create channel %s: %w", name, err)
		}
		last, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("create channel %s: %w", name, err)
		}
		id = uint64(last)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO channel_members (channel_id, user_id, access_level) VALUES (?, ?, ?)`,
			id, owner[:], types.LevelOwner)
		if err != nil {
			return fmt.Errorf("create channel %s: owner: %w", name, err)
		}
		return nil
	})
	return id, err
}

// DeleteChannel removes a channel with its members and sub-channels.
func (s *Store) DeleteChannel(ctx context.Context, id uint64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE channel_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete channel %d: %w", id, ErrNotFound)
	}
	return nil
}

// AddMember inserts or updates a channel membership.
func (s *Store) AddMember(ctx context.Context, channelID uint64, user types.UserID, level types.MemberLevel) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_members (channel_id, user_id, access_level) VALUES (?, ?, ?)
		 ON CONFLICT (channel_id, user_id) DO UPDATE SET access_level = excluded.access_level, pending_invite = 0`,
		channelID, user[:], level)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// RemoveMember deletes a channel membership.
func (s *Store) RemoveMember(ctx context.Context, channelID uint64, user types.UserID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM channel_members WHERE channel_id = ? AND user_id = ?`, channelID, user[:])
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

// MemberLevel returns a user's access level in a channel. Pending invites
// do not count as membership.
func (s *Store) MemberLevel(ctx context.Context, channelID uint64, user types.UserID) (types.MemberLevel, error) {
	var level types.MemberLevel
	err := s.db.QueryRowContext(ctx,
		`SELECT access_level FROM channel_members WHERE channel_id = ? AND user_id = ? AND pending_invite = 0`,
		channelID, user[:]).Scan(&level)
	if err != nil {
		return 0, notFound("member level", err)
	}
	return level, nil
}

// ChannelsForUser lists the channels a user is a full member of, capped at
// the per-session channel list size.
func (s *Store) ChannelsForUser(ctx context.Context, user types.UserID) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id FROM channel_members WHERE user_id = ? AND pending_invite = 0 ORDER BY channel_id LIMIT ?`,
		user[:], types.MaxChannelsPerUser)
	if err != nil {
		return nil, fmt.Errorf("channels for user: %w", err)
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("channels for user: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ChannelID resolves a channel name.
func (s *Store) ChannelID(ctx context.Context, name string) (uint64, error) {
	var id uint64
	err := s.db.QueryRowContext(ctx, `SELECT channel_id FROM channels WHERE channel_name = ?`, name).Scan(&id)
	if err != nil {
		return 0, notFound("channel id", err)
	}
	return id, nil
}

// CreateSubChannel adds a sub-channel to an existing channel.
func (s *Store) CreateSubChannel(ctx context.Context, sc SubChannel) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sub_channels (channel_id, sub_id, sub_name, lowest_level, active_update) VALUES (?, ?, ?, ?, ?)`,
		sc.ChannelID, sc.SubID, sc.Name, sc.LowestLevel, boolInt(sc.ActiveUpdate))
	if err != nil {
		return fmt.Errorf("create sub-channel %d:%d: %w", sc.ChannelID, sc.SubID, err)
	}
	return nil
}

// SubChannel looks a sub-channel up by id.
func (s *Store) SubChannel(ctx context.Context, channelID uint64, subID uint8) (SubChannel, error) {
	sc := SubChannel{ChannelID: channelID, SubID: subID}
	err := s.db.QueryRowContext(ctx,
		`SELECT sub_name, lowest_level, active_update FROM sub_channels WHERE channel_id = ? AND sub_id = ?`,
		channelID, subID).Scan(&sc.Name, &sc.LowestLevel, &sc.ActiveUpdate)
	if err != nil {
		return SubChannel{}, notFound("sub-channel", err)
	}
	return sc, nil
}

// SubChannelByName resolves a channel/sub-channel name pair.
func (s *Store) SubChannelByName(ctx context.Context, channel, sub string) (SubChannel, error) {
	var sc SubChannel
	err := s.db.QueryRowContext(ctx,
		`SELECT s.channel_id, s.sub_id, s.sub_name, s.lowest_level, s.active_update
		   FROM sub_channels s JOIN channels c ON c.channel_id = s.channel_id
		  WHERE c.channel_name = ? AND s.sub_name = ?`,
		channel, sub).Scan(&sc.ChannelID, &sc.SubID, &sc.Name, &sc.LowestLevel, &sc.ActiveUpdate)
	if err != nil {
		return SubChannel{}, notFound("sub-channel by name", err)
	}
	return sc, nil
}

// SetActiveUpdate toggles presence exchange on a sub-channel.
func (s *Store) SetActiveUpdate(ctx context.Context, channelID uint64, subID uint8, on bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sub_channels SET active_update = ? WHERE channel_id = ? AND sub_id = ?`,
		boolInt(on), channelID, subID)
	if err != nil {
		return fmt.Errorf("set active update: %w", err)
	}
	return nil
}

// SetReadOnly adds or removes a read-only flag for members at level.
func (s *Store) SetReadOnly(ctx context.Context, channelID uint64, subID uint8, level types.MemberLevel, on bool) error {
	query := `DELETE FROM read_only_flags WHERE channel_id = ? AND sub_id = ? AND access_level = ?`
	if on {
		query = `INSERT OR IGNORE INTO read_only_flags (channel_id, sub_id, access_level) VALUES (?, ?, ?)`
	}
	if _, err := s.db.ExecContext(ctx, query, channelID, subID, level); err != nil {
		return fmt.Errorf("set read-only: %w", err)
	}
	return nil
}

// IsReadOnly reports whether members at level may only read the sub-channel.
func (s *Store) IsReadOnly(ctx context.Context, channelID uint64, subID uint8, level types.MemberLevel) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM read_only_flags WHERE channel_id = ? AND sub_id = ? AND access_level = ?`,
		channelID, subID, level).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read-only flag: %w", err)
	}
	return true, nil
}
