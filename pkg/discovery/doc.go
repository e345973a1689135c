// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package discovery finds the endpoint of a receiving party at send time.
//
// Discovery runs in two steps. The Locator hashes the party identifier,
// queries the U-NAPTR records of the BDXL domain and returns the URL of
// the party's metadata publisher (SMP). The MetadataClient then fetches
// the service metadata of the party for the message's action and picks an
// active endpoint of the process named by the message's service.
//
// A Client combines both steps into a lookup for the MSH:
//
//	client := discovery.New(discovery.Config{
//		Domain: "edelivery.tech.ec.europa.eu",
//	})
//	resolver := msh.NewDynamicEndpointResolver(client.Lookup, time.Hour)
//
// Only P-Mode legs without a protocol address use the resolver.
package discovery
