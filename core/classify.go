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

// MatchKind tags the table a flow's pattern belongs in before the
// translator picks its action synthesis path (spec §4.I).
type MatchKind int

const (
	MatchKindRoot MatchKind = iota
	MatchKindVportRoot
	MatchKindRecirc
)

// ActionKindTag tags the dominant action the list represents (spec
// §4.I). It is distinct from the per-entry ActionKind of match.go.
type ActionKindTag int

const (
	ActionTagOutput ActionKindTag = iota
	ActionTagTunnelPop
	ActionTagCT
)

// inPortKind reports whether dpPort is virtual, used by Classify to
// decide root vs vport-root.
type inPortKind func(dpPort uint32) (virtual bool, ok bool)

// ClassifyMatch tags a match's table placement (spec §4.I rules 1-2).
func ClassifyMatch(m Match, isVirtual inPortKind) (MatchKind, error) {
	if m.Wildcards.RecircID != 0 && m.Flow.RecircID != 0 {
		return MatchKindRecirc, nil
	}
	virtual, ok := isVirtual(m.Flow.InPort)
	if !ok {
		return 0, newErr("ClassifyMatch", KindNotFound, errString("unknown in-port"))
	}
	if virtual {
		return MatchKindVportRoot, nil
	}
	return MatchKindRoot, nil
}

// ClassifyActions tags the action list's dominant kind and enforces
// the structural rules of spec §4.I. actions must be non-empty.
func ClassifyActions(actions []Action, matchKind MatchKind, virtualInPort bool) (ActionKindTag, error) {
	if len(actions) == 0 {
		return 0, newErr("ClassifyActions", KindUnsupported, errString("empty action list"))
	}

	var hasTunnelPop, hasCT, hasRecirc, hasOutput bool
	ctIdx, recircIdx := -1, -1
	last := actions[len(actions)-1]

	for i, a := range actions {
		switch a.Kind {
		case ActionTunnelPop:
			hasTunnelPop = true
		case ActionCT:
			hasCT = true
			if ctIdx == -1 {
				ctIdx = i
			}
		case ActionRecirc:
			hasRecirc = true
			if recircIdx == -1 {
				recircIdx = i
			}
		case ActionOutput:
			hasOutput = true
		case ActionClone:
			for _, ca := range a.Clone {
				if ca.Kind == ActionOutput {
					hasOutput = true
				}
			}
		}
	}

	if last.Kind == ActionOutput || (last.Kind == ActionClone && len(last.Clone) > 0 && last.Clone[len(last.Clone)-1].Kind == ActionOutput) {
		// ends in output (possibly via clone(tunnel_push, output)): ok.
	} else if last.Kind == ActionRecirc {
		// ends in recirc: ok, subject to the ct-precedes-recirc rule below.
	} else if hasTunnelPop {
		// tunnel_pop's own rule (single-action list) is checked below.
	} else {
		return 0, newErr("ClassifyActions", KindUnsupported, errString("action list must end in output or recirc"))
	}

	if hasTunnelPop {
		if len(actions) != 1 {
			return 0, newErr("ClassifyActions", KindUnsupported, errString("tunnel_pop must be the only action"))
		}
		if matchKind == MatchKindRecirc {
			return 0, newErr("ClassifyActions", KindUnsupported, errString("tunnel_pop incompatible with recirc-id != 0"))
		}
		if virtualInPort {
			return 0, newErr("ClassifyActions", KindUnsupported, errString("tunnel_pop incompatible with a virtual in-port"))
		}
		return ActionTagTunnelPop, nil
	}

	if hasRecirc && (!hasCT || ctIdx > recircIdx) {
		return 0, newErr("ClassifyActions", KindUnsupported, errString("recirc without a preceding ct action"))
	}

	if hasCT {
		return ActionTagCT, nil
	}

	if hasOutput {
		return ActionTagOutput, nil
	}

	return 0, newErr("ClassifyActions", KindUnsupported, errString("action list matches no recognised kind"))
}
