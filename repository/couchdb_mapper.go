package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/go-resty/resty/v2"
)

/**
* Object Mapper (from couchdb resty response to object based on the database name)
**/

func MapToObject(resp interface{}, obj interface{}) error {
	// Check if obj is a pointer to a struct
	val := reflect.ValueOf(obj)
	if val.Kind() != reflect.Ptr {
		return errors.New("obj is not a pointer")
	}

	if response, ok := resp.(*resty.Response); ok {
		data := response.Body()
		err := json.Unmarshal(data, obj)
		if err != nil {
			return fmt.Errorf("%s cannot be mapped to the given object", response.Body())
		}
		return nil
	}

	// in memory repositories hand back the stored object itself,
	// round trip through json to copy it into obj
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, obj)
}
