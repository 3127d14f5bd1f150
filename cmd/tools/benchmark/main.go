package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/myuser/sqldb/internal/storage"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

type counters struct {
	commits   atomic.Int64
	conflicts atomic.Int64
	errors    atomic.Int64
}

// transfer moves one unit between two random accounts, retrying on write
// conflicts until it commits or the deadline passes.
func transfer(m *storage.Mvcc, accounts int, c *counters, done <-chan struct{}) error {
	from := accountKey(rand.Intn(accounts))
	to := accountKey(rand.Intn(accounts))
	for {
		select {
		case <-done:
			return nil
		default:
		}
		err := tryTransfer(m, from, to)
		if err == nil {
			c.commits.Inc()
			return nil
		}
		if !storage.IsRetryable(err) {
			return err
		}
		c.conflicts.Inc()
	}
}

func tryTransfer(m *storage.Mvcc, from, to []byte) error {
	txn, err := m.Begin()
	if err != nil {
		return err
	}
	err = func() error {
		a, err := balance(txn, from)
		if err != nil {
			return err
		}
		if err := txn.Set(from, []byte(fmt.Sprint(a-1))); err != nil {
			return err
		}
		b, err := balance(txn, to)
		if err != nil {
			return err
		}
		return txn.Set(to, []byte(fmt.Sprint(b+1)))
	}()
	if err != nil {
		if rbErr := txn.Rollback(); rbErr != nil {
			return errors.Wrap(rbErr, "rollback")
		}
		return err
	}
	return txn.Commit()
}

func balance(txn *storage.MvccTransaction, key []byte) (int, error) {
	v, err := txn.Get(key)
	if err != nil || v == nil {
		return 0, err
	}
	var n int
	_, err = fmt.Sscan(string(v), &n)
	return n, errors.Wrapf(err, "account %s", key)
}

func accountKey(i int) []byte {
	return []byte(fmt.Sprintf("account%05d", i))
}

// verify checks that the transfers preserved the total balance.
func verify(m *storage.Mvcc, accounts int) (int, error) {
	txn, err := m.Begin()
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()
	total := 0
	for i := 0; i < accounts; i++ {
		n, err := balance(txn, accountKey(i))
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func main() {
	concurrency := flag.Int("concurrency", 10, "Number of concurrent workers")
	duration := flag.Duration("duration", 10*time.Second, "Test duration")
	accounts := flag.Int("accounts", 100, "Number of accounts; fewer means more conflicts")
	engineName := flag.String("engine", "log", "Storage engine: log or memory")
	dataPath := flag.String("data", "", "Log file path (default: a temporary file)")
	flag.Parse()

	var engine storage.Engine
	if *engineName == "memory" {
		engine = storage.NewMemoryEngine()
	} else {
		path := *dataPath
		if path == "" {
			dir, err := os.MkdirTemp("", "sqldb-bench")
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			defer os.RemoveAll(dir)
			path = filepath.Join(dir, "bench.log")
		}
		var err error
		if engine, err = storage.NewLogEngine(path); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	m := storage.NewMvcc(engine)
	defer m.Close()

	fmt.Printf("Starting Benchmark: %d workers, %v duration, %d accounts, %s engine\n",
		*concurrency, *duration, *accounts, *engineName)

	var c counters
	start := time.Now()
	done := make(chan struct{})
	go func() {
		time.Sleep(*duration)
		close(done)
	}()

	var wg sync.WaitGroup
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if err := transfer(m, *accounts, &c, done); err != nil {
					if c.errors.Inc() <= 5 {
						fmt.Printf("Error: %v\n", err)
					}
				}
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	total, err := verify(m, *accounts)
	if err != nil {
		fmt.Printf("Verify failed: %v\n", err)
	}

	fmt.Println("Benchmark Finished.")
	fmt.Printf("Commits: %d\n", c.commits.Load())
	fmt.Printf("Conflicts: %d\n", c.conflicts.Load())
	fmt.Printf("Errors: %d\n", c.errors.Load())
	fmt.Printf("Total balance: %d (want 0)\n", total)
	fmt.Printf("Duration: %v\n", elapsed)
	fmt.Printf("TPS: %.2f\n", float64(c.commits.Load())/elapsed.Seconds())
	if st, err := m.Status(); err == nil {
		fmt.Printf("Engine: %d keys, %d bytes on disk, %d garbage\n",
			st.Keys, st.TotalDiskSize, st.GarbageDiskSize)
	}
}
