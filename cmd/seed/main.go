package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/samblam/edgemesh/internal/database"
	"github.com/samblam/edgemesh/internal/models"
	"github.com/samblam/edgemesh/internal/services"
)

// seedFile is the layout of the YAML seed file.
type seedFile struct {
	Users []seedUser `yaml:"users"`
}

type seedUser struct {
	UserID string `yaml:"user_id"`
	Email  string `yaml:"email"`
	Role   string `yaml:"role"`
}

func main() {
	dbPath := os.Getenv("EDGEMESH_DB_PATH")
	if dbPath == "" {
		dbPath = "./data/edgemesh.db"
	}
	seedPath := "seed.yaml"
	if len(os.Args) > 1 {
		seedPath = os.Args[1]
	}

	db, err := database.Connect(dbPath)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}
	fmt.Println("✓ Database migrated successfully")

	users, err := loadSeed(seedPath)
	if err != nil {
		log.Fatal(err)
	}
	if len(users) == 0 {
		users = []seedUser{defaultAdmin()}
	}

	if err := seedUsers(context.Background(), services.NewUserService(db), users, os.Stdout); err != nil {
		log.Fatal(err)
	}
	fmt.Println("\n✓ Database seeding completed successfully!")
}

// loadSeed reads path; a missing file yields no entries.
func loadSeed(path string) ([]seedUser, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return f.Users, nil
}

func defaultAdmin() seedUser {
	email := os.Getenv("EDGEMESH_DEFAULT_ADMIN_EMAIL")
	if email == "" {
		email = "admin@localhost.localdomain"
	}
	return seedUser{UserID: "admin", Email: email, Role: string(models.RoleAdmin)}
}

// seedUsers creates each user, skipping those that already exist.
func seedUsers(ctx context.Context, svc *services.UserService, users []seedUser, out io.Writer) error {
	for _, u := range users {
		created, err := svc.Create(ctx, u.UserID, u.Email, models.Role(u.Role))
		switch {
		case errors.Is(err, services.ErrUserExists):
			fmt.Fprintf(out, "  User already exists: %s\n", u.UserID)
		case err != nil:
			return fmt.Errorf("seed user %s: %w", u.UserID, err)
		default:
			fmt.Fprintf(out, "✓ Created user: %s <%s> (%s)\n", created.UserID, created.Email, created.Role)
		}
	}
	return nil
}
