package db

import (
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/suPer8Hu/formfind/internal/chat"
	"github.com/suPer8Hu/formfind/internal/models"
)

func Connect(dsn string) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(dsn), &gorm.Config{})
}

// Migrate creates or updates every table the service owns, both message
// and vote generations included.
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.User{},
		&chat.Chat{},
		&chat.Message{},
		&chat.MessageV2{},
		&chat.Vote{},
		&chat.VoteV2{},
	)
}
