// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the pkgbroker configuration file shared by the
// client and the helper.
//
// Configuration comes from a single YAML file named by the
// PKGBROKER_CONFIG environment variable or the --config flag. There is
// no discovery and environment variables do not override values; the
// file is the only source of truth. A file may carry development and
// production sections that override base values when the environment
// matches.
package config
