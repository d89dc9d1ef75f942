// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import "github.com/bureau-foundation/pkgbroker/lib/codec"

// Action names understood by the helper.
const (
	ActionStatus            = "status"
	ActionCheckPermission   = "check-permission"
	ActionRequestPermission = "request-permission"
	ActionSubscribeGrants   = "subscribe-grants"
	ActionGetService        = "get-service"
	ActionTransact          = "transact"
)

// MinimumAPIVersion is the oldest helper API that implements the
// request/subscribe grant handshake. Older helpers granted access
// through a different mechanism and are treated as unsupported.
const MinimumAPIVersion = 11

// CurrentAPIVersion is the API version this module's helper reports.
const CurrentAPIVersion = 13

// StatusResponse is the data of a successful "status" call.
type StatusResponse struct {
	// APIVersion is the helper protocol version.
	APIVersion int `cbor:"api_version"`

	// PlatformLevel is the capability level of the host the helper
	// runs on. It selects the call shape of versioned services.
	PlatformLevel int `cbor:"platform_level"`

	// UID is the uid the helper runs as.
	UID int `cbor:"uid"`
}

// PermissionResponse is the data of a "check-permission" call. It
// describes the calling process as identified by the helper.
type PermissionResponse struct {
	Granted bool `cbor:"granted"`

	// DontAskAgain is set once the operator has permanently declined
	// this caller. Further requests are pointless until the helper is
	// reconfigured or restarted.
	DontAskAgain bool `cbor:"dont_ask_again"`
}

// RequestPermissionRequest carries the caller-chosen correlation
// token for a "request-permission" call. The outcome is delivered
// asynchronously as a GrantEvent with the same token.
type RequestPermissionRequest struct {
	Action       string `cbor:"action"`
	RequestToken int32  `cbor:"request_token"`
}

// Outcome is the result of a grant request.
type Outcome string

const (
	OutcomeGranted Outcome = "granted"
	OutcomeDenied  Outcome = "denied"
)

// GrantEvent is one frame on the subscribe-grants stream.
type GrantEvent struct {
	RequestToken int32   `cbor:"request_token"`
	Outcome      Outcome `cbor:"outcome"`

	// DontAskAgain accompanies a denial that will not be re-prompted.
	DontAskAgain bool `cbor:"dont_ask_again,omitempty"`
}

// GetServiceRequest looks up a named service registered in the helper.
type GetServiceRequest struct {
	Action string `cbor:"action"`
	Name   string `cbor:"name"`
}

// ServiceBinding identifies a service instance inside the helper.
// Handles are only meaningful to the helper that issued them.
type ServiceBinding struct {
	Name   string `cbor:"name"`
	Handle uint64 `cbor:"handle"`

	// Descriptor names the interface the service implements, for
	// example "pkgbroker.IPackageManager".
	Descriptor string `cbor:"descriptor"`
}

// TransactRequest invokes Method on the bound service. Args is the
// CBOR encoding of the method's argument struct.
type TransactRequest struct {
	Action string           `cbor:"action"`
	Handle uint64           `cbor:"handle"`
	Method string           `cbor:"method"`
	Args   codec.RawMessage `cbor:"args"`
}

// Package service methods. The two getInstalledPackages descriptors
// carry the same semantics with different flag widths: "II" takes an
// int32 flags word, "JI" an int64 flags word introduced at
// WideFlagsPlatformLevel.
const (
	PackageServiceName       = "package"
	PackageServiceDescriptor = "pkgbroker.IPackageManager"

	MethodInstalledPackagesNarrow = "getInstalledPackages(II)"
	MethodInstalledPackagesWide   = "getInstalledPackages(JI)"

	WideFlagsPlatformLevel = 33
)

// InstalledPackagesNarrowArgs are the arguments of
// MethodInstalledPackagesNarrow.
type InstalledPackagesNarrowArgs struct {
	Flags  int32 `cbor:"flags"`
	UserID int   `cbor:"user_id"`
}

// InstalledPackagesWideArgs are the arguments of
// MethodInstalledPackagesWide.
type InstalledPackagesWideArgs struct {
	Flags  int64 `cbor:"flags"`
	UserID int   `cbor:"user_id"`
}

// PackageInfo is one installed package as reported by the package
// service.
type PackageInfo struct {
	PackageName string `cbor:"package_name"`
	Flags       int64  `cbor:"flags,omitempty"`
}

// PackageList is the result of both getInstalledPackages shapes.
type PackageList struct {
	List []PackageInfo `cbor:"list"`
}
