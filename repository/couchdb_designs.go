package repository

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/parley-chat/go-parley-e2ee/global"
	"github.com/parley-chat/go-parley-e2ee/types"
)

func createDesignAndView(databaseName string, designName string, viewName string, mapFunction string, reduceFunction string) error {
	client := resty.New().SetTimeout(time.Second*10).SetBasicAuth(global.Conf.CouchDB.Username, global.Conf.CouchDB.Password)

	// check if design document already exists
	host := ""
	scheme := global.Conf.CouchDB.Scheme
	if scheme == "" {
		scheme = "http"
	}
	if global.Conf.CouchDB.Port != 0 {
		host = fmt.Sprintf("%s://%s:%d", scheme, global.Conf.CouchDB.Host, global.Conf.CouchDB.Port)
	} else {
		host = fmt.Sprintf("%s://%s", scheme, global.Conf.CouchDB.Host)
	}
	url := fmt.Sprintf("%s/%s/_design/%s/_view/%s", host, databaseName, designName, viewName)
	existingResponse, eErr := client.R().Head(url)
	if eErr != nil {
		panic(eErr)
	}
	if existingResponse.IsError() {
		if existingResponse.StatusCode() != 404 {
			panic(fmt.Sprintf("failed to create design %s with view %s, error: %s", designName, viewName, existingResponse.Error()))
		}
	}
	if existingResponse.StatusCode() == 200 {
		return nil // view already exists
	}

	// create a design document and a view
	ddoc := &types.DesignDocument{
		Language: "javascript",
		Views: map[string]types.MapFunction{
			viewName: {
				Map: mapFunction,
			},
		},
	}
	if reduceFunction != "" {
		temp := ddoc.Views[viewName]
		temp.Reduce = reduceFunction
		ddoc.Views[viewName] = temp
	}
	url = fmt.Sprintf("%s/%s/_design/%s", host, databaseName, designName)
	resp, err := client.R().SetBody(ddoc).Put(url)
	if err != nil {
		panic(err)
	}
	if resp.IsError() {
		panic(resp.Error())
	}

	return nil
}

// sessions indexed by their TTL so the expiry sweep can page through them
func CreateDesign_SessionsByExpiry(databaseName string, designName string, viewName string) error {
	mapFunction := `function(doc)
						{
							if (doc.expiresAt) {
								emit(doc.expiresAt, doc._rev);
							}
						}`
	return createDesignAndView(databaseName, designName, viewName, mapFunction, "")
}

// active sessions indexed by owner and normalized participant pair key
func CreateDesign_SessionsByPair(databaseName string, designName string, viewName string) error {
	mapFunction := `function(doc)
						{
							if (doc.ownerId && doc.pairKey && !doc.supersededBy) {
								emit(doc.ownerId + "|" + doc.pairKey, doc._rev);
							}
						}`
	return createDesignAndView(databaseName, designName, viewName, mapFunction, "")
}

// rotated keys indexed by the end of their grace window. The sweep deactivates
// everything with a key lower than now.
func CreateDesign_KeysByDeactivateDue(databaseName string, designName string, viewName string) error {
	mapFunction := `function(doc)
						{
							if (doc.state === "active" && doc.rotation && doc.rotation.deactivateAt > 0) {
								emit(doc.rotation.deactivateAt, doc._rev);
							}
						}`
	return createDesignAndView(databaseName, designName, viewName, mapFunction, "")
}

// keys indexed by the moment their rotation policy makes them due. Age based
// rotation emits created + maxAgeDays, usage based rotation emits 0 once the
// operations budget is spent, so endkey=now catches both.
func CreateDesign_KeysByRotationDue(databaseName string, designName string, viewName string) error {
	mapFunction := `function(doc)
						{
							if (doc.state === "active" && doc.rotation && !doc.rotation.nextKeyId && doc.policy) {
								if (doc.policy.maxAgeDays > 0) {
									emit(doc.created + doc.policy.maxAgeDays*86400000, doc._rev);
								}
								if (doc.policy.maxOperations > 0 && doc.usage && doc.usage.operations >= doc.policy.maxOperations) {
									emit(0, doc._rev);
								}
							}
						}`
	return createDesignAndView(databaseName, designName, viewName, mapFunction, "")
}

// unconsumed one time prekeys by user, with a _count reduce for pool size checks
func CreateDesign_UnusedPreKeysByUser(databaseName string, designName string, viewName string) error {
	mapFunction := `function(doc)
						{
							if (doc.userId && !doc.used) {
								emit(doc.userId, doc._rev);
							}
						}`
	return createDesignAndView(databaseName, designName, viewName, mapFunction, "_count")
}
