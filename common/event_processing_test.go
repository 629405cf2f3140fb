// Copyright 2025-2026 The roomsync Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", 4, ctxt)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()
	assert.Nil(err)

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	type openReq struct{}
	type closeReq struct{}
	type queryReq struct{}

	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(openReq{}): func(p interface{}) error {
			return nil
		},
	}

	// Case 2: define a executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(openReq{}))
		assert.NotNil(uut.ProcessNewTaskParam(closeReq{}))
		assert.NotNil(uut.ProcessNewTaskParam(&queryReq{}))
	}

	executorMap = map[reflect.Type]TaskHandler{
		reflect.TypeOf(openReq{}):  func(p interface{}) error { return nil },
		reflect.TypeOf(queryReq{}): func(p interface{}) error { return fmt.Errorf("Dummy error") },
	}

	// Case 3: change executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(openReq{}))
		assert.NotNil(uut.ProcessNewTaskParam(&closeReq{}))
		assert.NotNil(uut.ProcessNewTaskParam(queryReq{}))
	}

	// Case 4: append to existing map
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(&closeReq{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(openReq{}))
		assert.Nil(uut.ProcessNewTaskParam(&closeReq{}))
		assert.NotNil(uut.ProcessNewTaskParam(queryReq{}))
	}
}
