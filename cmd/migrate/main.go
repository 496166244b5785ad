// Command migrate manages the database schema from the command line. The
// migrations themselves are embedded in the binary.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/joho/godotenv"

	"github.com/taskmesh/taskmesh/pkg/config"
	"github.com/taskmesh/taskmesh/pkg/database"
)

var (
	configFile  = flag.String("config", "", "optional config file path")
	downFlag    = flag.Bool("down", false, "roll back the last migration")
	versionFlag = flag.Bool("version", false, "show the current schema version")
)

func main() {
	flag.Parse()
	_ = godotenv.Load()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer db.Close()

	switch {
	case *versionFlag:
		version, dirty, err := database.MigrationVersion(db, cfg.Database.Type)
		if err != nil {
			log.Fatalf("read schema version: %v", err)
		}
		fmt.Printf("version=%d dirty=%v\n", version, dirty)
	case *downFlag:
		if err := database.MigrateDown(db, cfg.Database.Type); err != nil {
			log.Fatalf("roll back: %v", err)
		}
		fmt.Println("rolled back one migration")
	default:
		if err := database.Migrate(db, cfg.Database.Type); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		fmt.Println("schema is up to date")
	}
}
