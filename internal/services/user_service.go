package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"gorm.io/gorm"

	"github.com/samblam/edgemesh/internal/models"
)

var (
	ErrUserExists  = errors.New("user already exists")
	ErrInvalidUser = errors.New("invalid user")
)

// UserService manages principals. The authorization path only reads users.
type UserService struct {
	db *gorm.DB
}

// NewUserService returns a UserService.
func NewUserService(db *gorm.DB) *UserService {
	return &UserService{db: db}
}

// Create validates and inserts a user.
func (s *UserService) Create(ctx context.Context, userID, email string, role models.Role) (*models.User, error) {
	userID = strings.TrimSpace(userID)
	email = strings.ToLower(strings.TrimSpace(email))
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidUser)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: email %q", ErrInvalidUser, email)
	}
	if role == "" {
		role = models.RoleDeveloper
	}
	if !models.ValidRole(role) {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidUser, role)
	}

	user := &models.User{UserID: userID, Email: email, Role: role, Status: models.UserStatusActive}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.User{}).Where("user_id = ? OR email = ?", userID, email).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrUserExists
		}
		return tx.Create(user).Error
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// Get returns the user with the given id.
func (s *UserService) Get(ctx context.Context, userID string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// List returns every user ordered by id.
func (s *UserService) List(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := s.db.WithContext(ctx).Order("user_id asc").Find(&users).Error
	return users, err
}

// SetStatus enables or disables a user.
func (s *UserService) SetStatus(ctx context.Context, userID string, status models.UserStatus) (*models.User, error) {
	if status != models.UserStatusActive && status != models.UserStatusDisabled {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidUser, status)
	}
	res := s.db.WithContext(ctx).Model(&models.User{}).Where("user_id = ?", userID).Update("status", status)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrUserNotFound
	}
	return s.Get(ctx, userID)
}
