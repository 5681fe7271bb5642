// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package sqldb persists affiliations and the message archive in a SQL
// database through GORM.
package sqldb

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
)

// Grant is the stored form of one affiliation record.
type Grant struct {
	ID          uint   `gorm:"primaryKey"`
	RoomJID     string `gorm:"uniqueIndex:idx_grant_room_user;size:1023"`
	UserJID     string `gorm:"uniqueIndex:idx_grant_room_user;size:1023"`
	Affiliation string `gorm:"size:16"`
	UpdatedAt   time.Time
}

// Message is the stored form of one archived groupchat message.
type Message struct {
	ID        uint   `gorm:"primaryKey"`
	RoomJID   string `gorm:"index;size:1023"`
	SenderJID string `gorm:"size:1023"`
	Nick      string `gorm:"size:1023"`
	Body      string
	SentAt    time.Time `gorm:"index"`
}

// Store implements roomdb.AffiliationStore and roomdb.Archive on a SQL
// database.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if necessary) a SQLite database at the given path and
// migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqldb: opening %s: %w", path, err)
	}
	return Wrap(db)
}

// Wrap migrates the schema on an existing GORM handle and returns a store
// backed by it.
func Wrap(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Grant{}, &Message{}); err != nil {
		return nil, fmt.Errorf("sqldb: migrating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Affiliation implements roomdb.AffiliationStore.
func (s *Store) Affiliation(ctx context.Context, room, user jid.JID) (muc.Affiliation, error) {
	var g Grant
	err := s.db.WithContext(ctx).
		Where("room_jid = ? AND user_jid = ?", room.Bare().String(), user.Bare().String()).
		First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return muc.AffiliationNone, nil
	}
	if err != nil {
		return muc.AffiliationNone, fmt.Errorf("sqldb: loading affiliation: %w", err)
	}
	return parseAffiliation(g.Affiliation)
}

// SetAffiliation implements roomdb.AffiliationStore.
func (s *Store) SetAffiliation(ctx context.Context, room, user jid.JID, a muc.Affiliation) error {
	roomKey := room.Bare().String()
	userKey := user.Bare().String()
	if a == muc.AffiliationNone {
		err := s.db.WithContext(ctx).
			Where("room_jid = ? AND user_jid = ?", roomKey, userKey).
			Delete(&Grant{}).Error
		if err != nil {
			return fmt.Errorf("sqldb: removing affiliation: %w", err)
		}
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_jid"}, {Name: "user_jid"}},
		DoUpdates: clause.AssignmentColumns([]string{"affiliation", "updated_at"}),
	}).Create(&Grant{
		RoomJID:     roomKey,
		UserJID:     userKey,
		Affiliation: a.String(),
		UpdatedAt:   time.Now(),
	}).Error
	if err != nil {
		return fmt.Errorf("sqldb: storing affiliation: %w", err)
	}
	return nil
}

// Affiliations implements roomdb.AffiliationStore.
func (s *Store) Affiliations(ctx context.Context, room jid.JID) (map[string]muc.Affiliation, error) {
	var grants []Grant
	err := s.db.WithContext(ctx).
		Where("room_jid = ?", room.Bare().String()).
		Find(&grants).Error
	if err != nil {
		return nil, fmt.Errorf("sqldb: listing affiliations: %w", err)
	}
	out := make(map[string]muc.Affiliation, len(grants))
	for _, g := range grants {
		a, err := parseAffiliation(g.Affiliation)
		if err != nil {
			return nil, err
		}
		out[g.UserJID] = a
	}
	return out, nil
}

// Remove implements roomdb.AffiliationStore.
func (s *Store) Remove(ctx context.Context, room jid.JID) error {
	err := s.db.WithContext(ctx).
		Where("room_jid = ?", room.Bare().String()).
		Delete(&Grant{}).Error
	if err != nil {
		return fmt.Errorf("sqldb: purging affiliations: %w", err)
	}
	return nil
}

// Append implements roomdb.Archive.
func (s *Store) Append(ctx context.Context, room jid.JID, sender jid.JID, nick, body string, at time.Time) error {
	err := s.db.WithContext(ctx).Create(&Message{
		RoomJID:   room.Bare().String(),
		SenderJID: sender.String(),
		Nick:      nick,
		Body:      body,
		SentAt:    at,
	}).Error
	if err != nil {
		return fmt.Errorf("sqldb: archiving message: %w", err)
	}
	return nil
}

func parseAffiliation(s string) (muc.Affiliation, error) {
	var a muc.Affiliation
	if err := a.UnmarshalXMLAttr(xml.Attr{Value: s}); err != nil {
		return muc.AffiliationNone, fmt.Errorf("sqldb: %w", err)
	}
	return a, nil
}
