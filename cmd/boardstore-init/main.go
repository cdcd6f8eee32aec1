// Command boardstore-init idempotently creates the two Azure Table Storage
// tables the coordinator needs: tasks and the conflict audit log (spec §6
// durable storage layout). Grounded in the teacher's storage-init/main.go,
// trimmed to tables only — this domain has no command queue to provision.
package main

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"github.com/mistervvp/board-coordinator/internal/config"
	"github.com/mistervvp/board-coordinator/internal/obs"
)

func main() {
	cfg := config.Load()
	logger := obs.NewLogger(cfg.Debug)
	logger.Info("boardstore init starting")

	if cfg.StorageConnectionString == "" {
		logger.Fatal("missing STORAGE_CONNECTION_STRING")
	}

	ctx := context.Background()
	if err := createTables(ctx, cfg.StorageConnectionString, []string{cfg.TasksTable, cfg.ConflictAuditTable}); err != nil {
		logger.Fatalf("create tables: %v", err)
	}

	logger.Info("boardstore init complete")
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		c := svc.NewClient(name)
		if _, err := c.CreateTable(ctx, nil); err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return err
			}
		}
	}
	return nil
}
