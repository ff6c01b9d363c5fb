package db

import (
	"log"
	"time"

	"github.com/hollis-ng/research-chat/internal/chat"
	"github.com/hollis-ng/research-chat/internal/models"
	"github.com/hollis-ng/research-chat/internal/ratelimit"
	"github.com/hollis-ng/research-chat/internal/stream"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// Connect opens the database and waits briefly for it to come up
// (docker-compose starts mysql alongside the service).
func Connect(dsn string) *gorm.DB {
	var gdb *gorm.DB
	var err error
	for i := 0; i < 10; i++ {
		gdb, err = gorm.Open(mysql.Open(dsn), &gorm.Config{})
		if err == nil {
			break
		}
		log.Printf("db connect failed (attempt %d/10): %v", i+1, err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	return gdb
}

func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.User{},
		&ratelimit.UserRequest{},
		&chat.Chat{},
		&chat.Message{},
		&chat.Job{},
		&stream.Stream{},
	)
}
