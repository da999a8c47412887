package mgo

import (
	"context"
	"sync"
	"time"

	"relaychat/tools/errs"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Config represents the MongoDB configuration.
type Config struct {
	URI         string
	Database    string
	Username    string
	Password    string
	MaxPoolSize int
	MaxRetry    int
}

var (
	mu     sync.RWMutex
	client *mongo.Client
	db     *mongo.Database
)

// Init connects with bounded retry and keeps a process-wide client.
func Init(ctx context.Context, cfg Config) error {
	if cfg.URI == "" {
		return errs.New("mongo uri is required")
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 3
	}
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = 20
	}

	opts := options.Client().ApplyURI(cfg.URI).SetMaxPoolSize(uint64(cfg.MaxPoolSize))
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{Username: cfg.Username, Password: cfg.Password})
	}

	var (
		cli *mongo.Client
		err error
	)
	for i := 0; i < cfg.MaxRetry; i++ {
		cli, err = connect(ctx, opts)
		if err == nil {
			break
		}
		time.Sleep(time.Second / 2)
	}
	if err != nil {
		return errs.WrapMsg(err, "failed to connect to MongoDB", "uri", cfg.URI)
	}

	mu.Lock()
	client = cli
	db = cli.Database(cfg.Database)
	mu.Unlock()
	return nil
}

func connect(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cli, err := mongo.Connect(cctx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(cctx, readpref.Primary()); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, err
	}
	return cli, nil
}

// DB returns the configured database; panics if Init was not called.
func DB() *mongo.Database {
	mu.RLock()
	defer mu.RUnlock()
	if db == nil {
		panic("mongo not initialized, call mgo.Init first")
	}
	return db
}

func Close(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()
	if client == nil {
		return nil
	}
	err := client.Disconnect(ctx)
	client, db = nil, nil
	return err
}
