package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrActiveExists is returned by ClaimSession when the user already holds a
// session in starting or running state.
var ErrActiveExists = errors.New("active session exists for user")

var ErrRecordNotFound = gorm.ErrRecordNotFound

type Store struct {
	db *gorm.DB
}

// Open connects to the SQLite database file, migrating all tables. The
// partial unique index is what makes the one-active-session-per-user claim
// atomic across processes.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Lab{}, &Session{}, &FlagSubmission{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	idx := `CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_user
		ON sessions(user_id) WHERE status IN ('starting','running')`
	if err := db.Exec(idx).Error; err != nil {
		return nil, fmt.Errorf("create active-session index: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) CreateLab(lab *Lab) error {
	if err := s.db.Create(lab).Error; err != nil {
		return fmt.Errorf("create lab %s: %w", lab.ID, err)
	}
	return nil
}

func (s *Store) GetLab(id string) (Lab, error) {
	var lab Lab
	if err := s.db.First(&lab, "id = ?", id).Error; err != nil {
		return Lab{}, err
	}
	return lab, nil
}

func (s *Store) ListLabs() ([]Lab, error) {
	var labs []Lab
	if err := s.db.Order("id").Find(&labs).Error; err != nil {
		return nil, err
	}
	return labs, nil
}

func (s *Store) IncLabStarted(id string) error {
	return s.db.Model(&Lab{}).Where("id = ?", id).
		UpdateColumn("times_started", gorm.Expr("times_started + 1")).Error
}

func (s *Store) IncLabSolved(id string) error {
	return s.db.Model(&Lab{}).Where("id = ?", id).
		UpdateColumn("times_solved", gorm.Expr("times_solved + 1")).Error
}

func (s *Store) SetLabTemplateID(id, templateID string) error {
	return s.db.Model(&Lab{}).Where("id = ?", id).
		UpdateColumn("template_id", templateID).Error
}

// ClaimSession inserts the session only if the user holds no active one. The
// check and the insert run in one transaction; the partial unique index
// catches the race between two concurrent claims for the same user.
func (s *Store) ClaimSession(sess *Session) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var n int64
		err := tx.Model(&Session{}).
			Where("user_id = ? AND status IN ?", sess.UserID, []string{StatusStarting, StatusRunning}).
			Count(&n).Error
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrActiveExists
		}
		if err := tx.Create(sess).Error; err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint") {
				return ErrActiveExists
			}
			return err
		}
		return nil
	})
}

func (s *Store) GetSession(id string) (Session, error) {
	var sess Session
	if err := s.db.First(&sess, "id = ?", id).Error; err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *Store) SaveSession(sess *Session) error {
	if err := s.db.Save(sess).Error; err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// TransitionStatus flips the session's status only when it currently holds
// one of the expected values. The conditional update is the idempotent guard
// that lets a user stop and the sweeper race on the same session with only
// one of them executing teardown.
func (s *Store) TransitionStatus(id string, from []string, to string) (bool, error) {
	res := s.db.Model(&Session{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", to)
	return res.RowsAffected > 0, res.Error
}

// MarkFlagCorrect flips one flag slot to correct only if the session is
// running and the slot has not been claimed yet. The same conditional-update
// guard as TransitionStatus: two racing submissions of the same flag see
// exactly one claimed=true, and concurrent submissions of different flags
// never overwrite each other's slot. solved reports whether this mark
// completed the session, computed inside the transaction so only one of two
// racing markers observes the transition.
func (s *Store) MarkFlagCorrect(id, flagType string, at time.Time) (claimed, solved bool, err error) {
	col, tsCol := "user_flag_correct", "user_flag_submitted_at"
	if flagType == FlagTypeRoot {
		col, tsCol = "root_flag_correct", "root_flag_submitted_at"
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Session{}).
			Where("id = ? AND status = ? AND "+col+" = ?", id, StatusRunning, false).
			Updates(map[string]any{col: true, tsCol: at, "last_activity": at})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		claimed = true
		var sess Session
		if err := tx.First(&sess, "id = ?", id).Error; err != nil {
			return err
		}
		solved = sess.Solved()
		return nil
	})
	return claimed, solved, err
}

// ExtendExpiry pushes expiry forward only if the extension counter still
// holds the value the caller read, so racing extends cannot skip the cap.
func (s *Store) ExtendExpiry(id string, newExpiry time.Time, fromExtensions int, at time.Time) (bool, error) {
	res := s.db.Model(&Session{}).
		Where("id = ? AND extensions = ? AND status IN ?", id, fromExtensions, []string{StatusStarting, StatusRunning}).
		Updates(map[string]any{"expires_at": newExpiry, "extensions": fromExtensions + 1, "last_activity": at})
	return res.RowsAffected > 0, res.Error
}

// TouchActivity bumps lastActivity without touching any other column.
func (s *Store) TouchActivity(id string, at time.Time) (bool, error) {
	res := s.db.Model(&Session{}).
		Where("id = ?", id).
		Update("last_activity", at)
	return res.RowsAffected > 0, res.Error
}

func (s *Store) ListSessions() ([]Session, error) {
	var out []Session
	if err := s.db.Order("created_at desc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ActiveCount() (int, error) {
	var n int64
	err := s.db.Model(&Session{}).
		Where("status IN ?", []string{StatusStarting, StatusRunning, StatusStopping}).
		Count(&n).Error
	return int(n), err
}

// DueForCleanup returns sessions the sweeper should tear down: active ones
// past their expiry, and ones stuck in stopping longer than the grace period.
func (s *Store) DueForCleanup(now time.Time, grace time.Duration) ([]Session, error) {
	var out []Session
	err := s.db.
		Where("status IN ? AND expires_at <= ?", []string{StatusStarting, StatusRunning}, now).
		Or("status = ? AND updated_at <= ?", StatusStopping, now.Add(-grace)).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PurgeTerminatedBefore deletes terminal sessions older than the cutoff,
// storage-level reclamation of records nothing references anymore.
func (s *Store) PurgeTerminatedBefore(cutoff time.Time) (int64, error) {
	res := s.db.
		Where("status IN ? AND updated_at < ?", []string{StatusStopped, StatusFailed, StatusExpired}, cutoff).
		Delete(&Session{})
	return res.RowsAffected, res.Error
}

func (s *Store) CreateSubmission(sub *FlagSubmission) error {
	if err := s.db.Create(sub).Error; err != nil {
		return fmt.Errorf("record submission: %w", err)
	}
	return nil
}

func (s *Store) AttemptCount(sessionID, flagType string) (int, error) {
	var n int64
	err := s.db.Model(&FlagSubmission{}).
		Where("session_id = ? AND flag_type = ?", sessionID, flagType).
		Count(&n).Error
	return int(n), err
}

func (s *Store) SubmissionsForSession(sessionID string) ([]FlagSubmission, error) {
	var out []FlagSubmission
	if err := s.db.Where("session_id = ?", sessionID).Order("id").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Ping() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Ping()
}
