// Copyright 2025 Valka Team
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

//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"

	"github.com/valka-io/valka/internal/core/bootstrap"
	"github.com/valka-io/valka/internal/core/conf"
	"github.com/valka-io/valka/internal/core/repo"
)

func initApp(cfg *conf.Config, nodeId string, repos *repo.Repositories) (*bootstrap.App, func(), error) {
	panic(wire.Build(
		engineProviderSet,
		pipelineProviderSet,
		apiProviderSet,
		newApp,
	))
}
