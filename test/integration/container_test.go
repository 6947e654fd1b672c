package integration

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/lis/lis/internal/platform/db"
)

const (
	pgImage    = "postgres:16-alpine"
	pgUser     = "lis"
	pgPassword = "lis"
	pgDatabase = "lis_test"
)

// startPostgresContainer runs a throwaway Postgres with the docker CLI,
// publishing 5432 on a port docker picks, and returns its URL once the lab
// schema can be migrated into it.
func startPostgresContainer(ctx context.Context) (string, func(), error) {
	out, err := exec.CommandContext(ctx, "docker", "run", "-d", "--rm", "-P",
		"--label", "lis.integration=1",
		"-e", "POSTGRES_USER="+pgUser,
		"-e", "POSTGRES_PASSWORD="+pgPassword,
		"-e", "POSTGRES_DB="+pgDatabase,
		pgImage,
	).CombinedOutput()
	if err != nil {
		return "", nil, fmt.Errorf("docker run: %w: %s", err, out)
	}
	id := strings.TrimSpace(string(out))
	cleanup := func() { _ = exec.Command("docker", "stop", id).Run() }

	hostPort, err := publishedPort(ctx, id)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	url := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", pgUser, pgPassword, hostPort, pgDatabase)

	if err := waitForPostgres(ctx, url, 30*time.Second); err != nil {
		cleanup()
		return "", nil, err
	}
	return url, cleanup, nil
}

// publishedPort asks docker where 5432/tcp landed. Output is one
// "host:port" line per address family; the IPv4 one comes first.
func publishedPort(ctx context.Context, id string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", "port", id, "5432/tcp").Output()
	if err != nil {
		return "", fmt.Errorf("docker port: %w", err)
	}
	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	i := strings.LastIndex(line, ":")
	if i < 0 {
		return "", fmt.Errorf("unexpected docker port output %q", out)
	}
	return "127.0.0.1" + line[i:], nil
}

// waitForPostgres retries db.NewPool until the server answers a query.
func waitForPostgres(ctx context.Context, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for {
		pool, err := db.NewPool(ctx, url, db.PoolOptions{MaxConns: 1})
		if err == nil {
			var one int
			err = pool.QueryRow(ctx, `SELECT 1`).Scan(&one)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres not ready after %v: %w", timeout, lastErr)
		case <-time.After(500 * time.Millisecond):
		}
	}
}
