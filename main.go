package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/go-kit/log/level"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sys/unix"

	"github.com/parley-chat/go-parley-e2ee/global"
	"github.com/parley-chat/go-parley-e2ee/queue"
	"github.com/parley-chat/go-parley-e2ee/repository"
	"github.com/parley-chat/go-parley-e2ee/types"
)

func initRedisClient(conf global.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     conf.Redis.Host + ":" + strconv.Itoa(conf.Redis.Port),
		Username: conf.Redis.Username,
		Password: conf.Redis.Password,
		DB:       0,
	})
}

// calculates the retry delay using exponential backoff
// Here, baseDelay is the initial delay, and maxDelay caps the delay duration
func asyncRetryDelayFunc(attempt int, err error, t *asynq.Task) time.Duration {
	baseDelay := 1 * time.Minute // Starting from 1 minute
	maxDelay := 60 * time.Minute // Max delay capped at 60 minutes

	delay := baseDelay * time.Duration(1<<attempt) // Double the delay with each retry
	if delay > maxDelay {
		delay = maxDelay
	}

	return delay
}

// initializes the async queue worker and its task routes
func initAsyncQueue(dbSelector repository.DBSelector, env *types.Environment) (*asynq.Server, *asynq.Client, *queue.LifecycleQueue) {
	queueRedisClient := asynq.RedisClientOpt{
		Addr:     global.Conf.Redis.Host + ":" + strconv.Itoa(global.Conf.Redis.Port),
		Username: global.Conf.Redis.Username,
		Password: global.Conf.Redis.Password,
		DB:       2,
	}

	logLevel := asynq.InfoLevel
	if global.Conf.Mode != "debug" {
		logLevel = asynq.WarnLevel
	}
	concurrency := 50
	if global.Conf.Queue.Concurrency > 0 {
		concurrency = global.Conf.Queue.Concurrency
	}

	taskClient := asynq.NewClient(queueRedisClient)
	taskServer := asynq.NewServer(
		queueRedisClient,
		asynq.Config{
			Concurrency:    concurrency,
			LogLevel:       logLevel,
			RetryDelayFunc: asyncRetryDelayFunc,
		},
	)

	lifecycleQueue := queue.NewLifecycleQueue(dbSelector, env)
	mux := asynq.NewServeMux()
	mux.HandleFunc(types.QueueTypeKeyRotate, lifecycleQueue.ProcessKeyTask)
	mux.HandleFunc(types.QueueTypeKeyGraceSweep, lifecycleQueue.ProcessKeyTask)
	mux.HandleFunc(types.QueueTypeSessionExpireSweep, lifecycleQueue.ProcessSessionTask)
	mux.HandleFunc(types.QueueTypePreKeyReplenish, lifecycleQueue.ProcessPreKeyTask)
	mux.HandleFunc(types.QueueTypeAuditEvent, lifecycleQueue.ProcessAuditTask)

	if err := taskServer.Start(mux); err != nil {
		log.Fatalf("could not start task server: %v", err)
	}
	return taskServer, taskClient, lifecycleQueue
}

func main() {
	var (
		configFile string
	)
	// configuration file optional path. Default: current dir with filename conf.yaml
	flag.StringVar(&configFile, "c", "conf.yaml", "Configuration file path.")
	flag.StringVar(&configFile, "config", "conf.yaml", "Configuration file path.")
	flag.Usage = usage
	flag.Parse()

	if err := global.LoadConfig(configFile, &global.Conf); err != nil {
		level.Error(global.Logger).Log("err", err, "msg", "conf.yaml failed to load")
		panic("failed to load conf.yaml")
	}

	redisClient := initRedisClient(global.Conf)
	defer redisClient.Close()

	env := types.NewEnvironment(redisClient)
	defer env.Cron.Stop()

	dbSelector := ConfigDBSelector()
	defer dbSelector.Close()
	ConfigDBViews(dbSelector)

	// object storage for encrypted attachments, optional
	ConfigS3Storage(&global.Conf, env)

	// task queue worker
	taskServer, taskClient, lifecycleQueue := initAsyncQueue(dbSelector, env)
	defer taskClient.Close()
	env.TaskClient = taskClient

	// periodic lifecycle jobs ride the queue
	ConfigLifecycleJobs(dbSelector, env, lifecycleQueue)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, unix.SIGTERM, unix.SIGTSTP)

	level.Info(global.Logger).Log("msg", "e2ee engine is ready", "mode", global.Conf.Mode)
	for {
		s := <-stop
		if s == unix.SIGTSTP {
			taskServer.Stop() // stop pulling new tasks, keep the workers alive
			continue
		}
		break
	}
	level.Info(global.Logger).Log("msg", "shutting down task queue server")
	taskServer.Shutdown()
}

// usage will print out the flag options for the engine.
func usage() {
	usageStr := `Usage: parley-e2ee [options]
	Engine Options:
	-c, --config <file>              Configuration file path
`
	fmt.Printf("%s\n", usageStr)
	os.Exit(0)
}
