package repository

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/go-resty/resty/v2"
	"github.com/parley-chat/go-parley-e2ee/global"
)

// CreateAuditKeyCreatedIndex creates a mango index on the audit database over
// keyId and created so the lifecycle history query can sort newest first.
func CreateAuditKeyCreatedIndex(auditRepo Repository) error {
	indexPayload := map[string]interface{}{
		"index": map[string]interface{}{
			"fields": []map[string]interface{}{
				{"keyId": "desc"},
				{"created": "desc"},
			},
		},
		"name": "auditKeyCreated-index",
		"ddoc": "auditKeyCreated-index",
		"type": "json",
	}

	c := auditRepo.GetClient().(*resty.Client)
	resp, rErr := c.R().SetBody(indexPayload).Post(fmt.Sprintf("%s/%s", Audit, "_index"))
	if rErr != nil {
		return rErr
	}
	if resp.IsError() {
		outErr := handleError(resp)
		return outErr
	}
	return nil
}

// CreateUsers_IfNotExists ensures the _users system database exists. A fresh
// CouchDB node ships without it and keeps logging errors until it is created.
func CreateUsers_IfNotExists(usersRepo Repository) error {
	client := usersRepo.GetClient().(*resty.Client)
	auth := client.R().SetBasicAuth(global.Conf.CouchDB.Username, global.Conf.CouchDB.Password)
	resp, err := auth.Get("_all_dbs")
	if err != nil || resp.IsError() {
		return handleError(resp)
	}

	var dbs []string
	if err := json.Unmarshal(resp.Body(), &dbs); err != nil {
		return err
	}
	// check if _users exists
	if slices.Contains(dbs, "_users") {
		return nil
	}

	cresp, cerr := auth.Put("_users")
	if cerr != nil || cresp.IsError() {
		return handleError(cresp)
	}

	return nil
}
