// Copyright 2024 The Flowdev Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

// Validate rejects a match that references a header field this
// pipeline cannot represent in hardware (spec §4.H). isTunnel is true
// when the match is being synthesised as part of a vxlan source-port
// pattern, in which case tunnel fields are expected rather than
// rejected.
//
// Validate only inspects Wildcards (the "zero-wildcard-stripped match"
// of spec §4.H): a field is considered "set" when its wildcard mask is
// non-zero, regardless of the concrete value in Flow.
func Validate(m Match, isTunnel bool) error {
	w := m.Wildcards

	if !isTunnel {
		if w.TunnelSrc != 0 || w.TunnelDst != 0 || w.TunnelID != 0 {
			return newErr("Validate", KindUnsupported, errString("tunnel field set on a non-tunnel match"))
		}
	}

	if w.Metadata != 0 {
		return unsupportedField("metadata")
	}
	if w.SkbPriority != 0 {
		return unsupportedField("skb_priority")
	}
	if w.PktMark != 0 {
		return unsupportedField("pkt_mark")
	}
	if w.DpHash != 0 {
		return unsupportedField("dp_hash")
	}
	if w.ConjID != 0 {
		return unsupportedField("conj_id")
	}
	if w.ActsetOutput != 0 {
		return unsupportedField("actset_output")
	}

	if w.CTState != 0 && (m.Flow.CTState &^ CTStateEstablished) != 0 {
		return unsupportedField("ct_state beyond established")
	}
	if w.CTNwProto != 0 {
		return unsupportedField("ct_nw_proto")
	}
	if w.CTZone != 0 {
		return unsupportedField("ct_zone")
	}
	if w.CTMark != 0 {
		return unsupportedField("ct_mark")
	}
	if w.CTLabel != ([4]uint32{}) {
		return unsupportedField("ct_label")
	}
	if w.CTTpSrc != 0 {
		return unsupportedField("ct_tp_src")
	}
	if w.CTTpDst != 0 {
		return unsupportedField("ct_tp_dst")
	}

	if w.HasMPLS {
		return unsupportedField("mpls")
	}
	if w.HasIPv6 {
		return unsupportedField("ipv6")
	}
	if w.HasND {
		return unsupportedField("nd")
	}
	if w.HasNSH {
		return unsupportedField("nsh")
	}
	if w.HasARP {
		return unsupportedField("arp")
	}
	if w.HasIGMP {
		return unsupportedField("igmp")
	}

	if w.NwFrag != 0 {
		return unsupportedField("nw_frag")
	}

	return nil
}

func unsupportedField(name string) error {
	return newErr("Validate", KindUnsupported, errString("unsupported field: "+name))
}
