package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/paykeeper/internal/dbx"
	"github.com/dmitrijs2005/paykeeper/internal/server/repositories/intents"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Intents(db dbx.DBTX) intents.Repository
}
