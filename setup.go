package main

import (
	"context"
	"errors"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-kit/log/level"

	"github.com/parley-chat/go-parley-e2ee/global"
	"github.com/parley-chat/go-parley-e2ee/queue"
	"github.com/parley-chat/go-parley-e2ee/repository"
	"github.com/parley-chat/go-parley-e2ee/services"
	"github.com/parley-chat/go-parley-e2ee/types"
)

// Configure DB Repositories and create DB Selector
func ConfigDBSelector() repository.DBSelector {
	// configure Repository (couchDB)
	repoUrl := global.Conf.CouchDB.Scheme + "://" + global.Conf.CouchDB.Host + ":" + strconv.Itoa(global.Conf.CouchDB.Port)
	keyRepo, keyRepoErr := repository.NewCouchDBRepository(repoUrl, repository.EncryptionKeys, global.Conf.CouchDB.Username, global.Conf.CouchDB.Password, false)
	identityRepo, identityRepoErr := repository.NewCouchDBRepository(repoUrl, repository.IdentityKeys, global.Conf.CouchDB.Username, global.Conf.CouchDB.Password, false)
	spkRepo, spkErr := repository.NewCouchDBRepository(repoUrl, repository.SignedPreKeys, global.Conf.CouchDB.Username, global.Conf.CouchDB.Password, false)
	opkRepo, opkErr := repository.NewCouchDBRepository(repoUrl, repository.OneTimePreKeys, global.Conf.CouchDB.Username, global.Conf.CouchDB.Password, false)
	sessionRepo, sessionErr := repository.NewCouchDBRepository(repoUrl, repository.Sessions, global.Conf.CouchDB.Username, global.Conf.CouchDB.Password, false)
	attachmentRepo, attErr := repository.NewCouchDBRepository(repoUrl, repository.Attachments, global.Conf.CouchDB.Username, global.Conf.CouchDB.Password, false)
	auditRepo, auditErr := repository.NewCouchDBRepository(repoUrl, repository.Audit, global.Conf.CouchDB.Username, global.Conf.CouchDB.Password, false)

	// ensure _users exist
	var users_Err error
	if keyRepoErr == nil {
		users_Err = repository.CreateUsers_IfNotExists(keyRepo)
	}

	repoErr := errors.Join(keyRepoErr, identityRepoErr, spkErr, opkErr, sessionErr, attErr, auditErr, users_Err)
	if repoErr != nil {
		level.Error(global.Logger).Log("msg", "failed to create repositories", "err", repoErr.Error())
		panic(repoErr)
	}

	// REPOSITORY definitions
	dbSelector := repository.NewCouchDBSelector()
	dbSelector.AddDB(keyRepo)
	dbSelector.AddDB(identityRepo)
	dbSelector.AddDB(spkRepo)
	dbSelector.AddDB(opkRepo)
	dbSelector.AddDB(sessionRepo)
	dbSelector.AddDB(attachmentRepo)
	dbSelector.AddDB(auditRepo)

	return dbSelector
}

// ConfigDBViews creates the design documents and indexes the lifecycle sweeps,
// the session pair lookups and the audit history query use. Safe to call on
// every boot.
func ConfigDBViews(dbSelector repository.DBSelector) {
	auditRepo, auditErr := dbSelector.ChooseDB(repository.Audit)
	if auditErr != nil {
		panic(auditErr)
	}
	if err := repository.CreateAuditKeyCreatedIndex(auditRepo); err != nil {
		panic(err)
	}

	if err := repository.CreateDesign_SessionsByPair(repository.Sessions, "session", "by_pair"); err != nil {
		panic(err)
	}
	if err := repository.CreateDesign_SessionsByExpiry(repository.Sessions, "session", "by_expires"); err != nil {
		panic(err)
	}
	if err := repository.CreateDesign_KeysByDeactivateDue(repository.EncryptionKeys, "key", "deactivate_due"); err != nil {
		panic(err)
	}
	if err := repository.CreateDesign_KeysByRotationDue(repository.EncryptionKeys, "key", "rotation_due"); err != nil {
		panic(err)
	}
	if err := repository.CreateDesign_UnusedPreKeysByUser(repository.OneTimePreKeys, "prekey", "unused"); err != nil {
		panic(err)
	}
}

// ConfigLifecycleJobs schedules the recurring key, session and prekey
// maintenance. The sweeps ride the task queue so a multi node deployment runs
// them on whichever worker picks the task up; rotation scanning and prekey
// replenishment call the services directly.
func ConfigLifecycleJobs(dbSelector repository.DBSelector, env *types.Environment, lifecycleQueue *queue.LifecycleQueue) {
	// CREATE REQUIRED SERVICES
	kekProvider, kekErr := services.NewKekProviderFromConfig(&global.Conf)
	if kekErr != nil {
		level.Error(global.Logger).Log("msg", "failed to configure kek provider", "err", kekErr.Error())
		panic(kekErr)
	}
	auditEmitter := services.NewQueueAuditEmitter(env)
	keyService := services.NewKeyManagerService(dbSelector, kekProvider, auditEmitter)
	prekeyService := services.NewPreKeyService(dbSelector, keyService, auditEmitter)

	enqueueSessionSweep := func() {
		if _, err := env.TaskClient.Enqueue(types.NewSessionExpireSweepTask()); err != nil {
			level.Error(global.Logger).Log("msg", "failed to enqueue session sweep", "err", err.Error())
		}
	}
	enqueueGraceSweep := func() {
		if _, err := env.TaskClient.Enqueue(types.NewKeyGraceSweepTask()); err != nil {
			level.Error(global.Logger).Log("msg", "failed to enqueue grace sweep", "err", err.Error())
		}
	}

	// cron jobs
	env.Cron.AddFunc("@every 1m", enqueueSessionSweep) // expire overdue sessions every minute
	env.Cron.Start()
	go enqueueSessionSweep() // run once on startup

	env.Cron.AddFunc("@every 5m", enqueueGraceSweep) // deactivate keys past their grace period
	env.Cron.Start()
	go enqueueGraceSweep() // run once on startup

	env.Cron.AddFunc("@every 10m", lifecycleQueue.ScanRotationDue) // enqueue rotations for keys past policy
	env.Cron.Start()
	go lifecycleQueue.ScanRotationDue() // run once on startup

	env.Cron.AddFunc("@every 15m", prekeyService.ReplenishAll) // top up one time prekey pools
	env.Cron.Start()
	go prekeyService.ReplenishAll() // run once on startup
}

func ConfigS3Storage(conf *global.Config, env *types.Environment) {
	if conf.Storage.Bucket == "" {
		level.Info(global.Logger).Log("msg", "object storage not configured, attachment upload disabled")
		return
	}
	// configure S3 storage
	credentials := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(conf.Storage.Key, conf.Storage.Secret, ""))
	awsConf, err := config.LoadDefaultConfig(context.TODO(), config.WithCredentialsProvider(credentials), config.WithRegion(conf.Storage.Region))
	if err != nil {
		panic(err)
	}
	s3Client := s3.NewFromConfig(awsConf)
	uploader := manager.NewUploader(s3Client)
	downloader := manager.NewDownloader(s3Client)
	env.AddS3Uploader(uploader)
	env.AddS3Downloader(downloader)

	env.S3Client = s3Client
}
