// SPDX-License-Identifier: MPL-2.0

// Package resource defines the generic capability/requirement model shared by
// every installable unit: modules, fragments and subsystems.
//
// A Resource exposes typed Capabilities and Requirements grouped by
// Namespace. Requirements select capabilities through an LDAP-style Filter;
// the default Matcher additionally enforces the capability "mandatory"
// directive. Versions and version ranges follow the four-part
// major.minor.micro.qualifier scheme.
package resource
