package ids

import "testing"

func TestPylonRoundTrip(t *testing.T) {
	for env := EnvRelease; env <= EnvDev; env++ {
		for idx := 1; idx <= 15; idx++ {
			id, err := EncodePylon(env, idx)
			if err != nil {
				t.Fatalf("EncodePylon(%d,%d): %v", env, idx, err)
			}
			gotEnv, gotIdx, err := DecodePylon(id)
			if err != nil {
				t.Fatalf("DecodePylon(%d): %v", id, err)
			}
			if gotEnv != env || gotIdx != idx {
				t.Fatalf("round trip mismatch: got (%d,%d) want (%d,%d)", gotEnv, gotIdx, env, idx)
			}
		}
	}
}

func TestPylonOutOfRange(t *testing.T) {
	if _, err := EncodePylon(EnvDev, 0); err == nil {
		t.Fatal("expected error for deviceIndex 0 (reserved)")
	}
	if _, err := EncodePylon(EnvDev, 16); err == nil {
		t.Fatal("expected error for deviceIndex 16")
	}
	if _, err := EncodePylon(Env(3), 1); err == nil {
		t.Fatal("expected error for env 3")
	}
}

func TestClientRoundTrip(t *testing.T) {
	for idx := 0; idx <= 15; idx++ {
		id, err := EncodeClient(EnvStage, idx)
		if err != nil {
			t.Fatalf("EncodeClient(%d): %v", idx, err)
		}
		env, gotIdx, err := DecodeClient(id)
		if err != nil {
			t.Fatalf("DecodeClient: %v", err)
		}
		if env != EnvStage || gotIdx != idx {
			t.Fatalf("round trip mismatch: got (%d,%d)", env, gotIdx)
		}
	}
}

func TestWorkspaceRoundTrip(t *testing.T) {
	pylon, _ := EncodePylon(EnvDev, 1)
	for idx := 1; idx <= 127; idx++ {
		ws, err := EncodeWorkspace(pylon, idx)
		if err != nil {
			t.Fatalf("EncodeWorkspace(%d): %v", idx, err)
		}
		gotPylon, gotIdx, err := DecodeWorkspace(ws)
		if err != nil {
			t.Fatalf("DecodeWorkspace: %v", err)
		}
		if gotPylon != pylon || gotIdx != idx {
			t.Fatalf("round trip mismatch: got (%d,%d) want (%d,%d)", gotPylon, gotIdx, pylon, idx)
		}
	}
	if _, err := EncodeWorkspace(pylon, 0); err == nil {
		t.Fatal("expected error for workspaceIndex 0")
	}
	if _, err := EncodeWorkspace(pylon, 128); err == nil {
		t.Fatal("expected error for workspaceIndex 128")
	}
}

func TestConversationRoundTrip(t *testing.T) {
	pylon, _ := EncodePylon(EnvDev, 1)
	ws, _ := EncodeWorkspace(pylon, 1)
	for _, idx := range []int{1, 500, 1023} {
		conv, err := EncodeConversation(ws, idx)
		if err != nil {
			t.Fatalf("EncodeConversation(%d): %v", idx, err)
		}
		gotWs, gotIdx, err := DecodeConversation(conv)
		if err != nil {
			t.Fatalf("DecodeConversation: %v", err)
		}
		if gotWs != ws || gotIdx != idx {
			t.Fatalf("round trip mismatch: got (%d,%d) want (%d,%d)", gotWs, gotIdx, ws, idx)
		}
	}
	if _, err := EncodeConversation(ws, 0); err == nil {
		t.Fatal("expected error for convIndex 0")
	}
	if _, err := EncodeConversation(ws, 1024); err == nil {
		t.Fatal("expected error for convIndex 1024")
	}
}

// TestPylonExtraction is the §8 "Pylon extraction" testable property:
// for any convId produced by encodeConversation(encodeWorkspace(encodePylon(e,i),w),c),
// convId >> 17 == encodePylon(e,i).
func TestPylonExtraction(t *testing.T) {
	for env := EnvRelease; env <= EnvDev; env++ {
		for _, devIdx := range []int{1, 7, 15} {
			pylon, err := EncodePylon(env, devIdx)
			if err != nil {
				t.Fatal(err)
			}
			for _, wsIdx := range []int{1, 64, 127} {
				ws, err := EncodeWorkspace(pylon, wsIdx)
				if err != nil {
					t.Fatal(err)
				}
				for _, convIdx := range []int{1, 512, 1023} {
					conv, err := EncodeConversation(ws, convIdx)
					if err != nil {
						t.Fatal(err)
					}
					if got := PylonOf(conv); got != pylon {
						t.Fatalf("PylonOf(%d)=%d, want %d", conv, got, pylon)
					}
					full, err := DecodeConversationFull(conv)
					if err != nil {
						t.Fatal(err)
					}
					if full.Pylon != pylon || full.Env != env || full.PylonDeviceIdx != devIdx || full.WorkspaceIdx != wsIdx || full.ConvIdx != convIdx {
						t.Fatalf("DecodeConversationFull mismatch: %+v", full)
					}
				}
			}
		}
	}
}

func TestIsPylonId(t *testing.T) {
	pylon, _ := EncodePylon(EnvDev, 1)
	client, _ := EncodeClient(EnvDev, 1)
	if !IsPylonId(int(pylon)) {
		t.Fatal("expected pylon id to test as pylon")
	}
	if IsPylonId(int(client)) {
		t.Fatal("expected client id to not test as pylon")
	}
}

// Regression for the §8 scenario 1 register payload: env=dev(2), deviceIndex=1 → pylonId 65.
func TestScenarioPylonId65(t *testing.T) {
	id, err := EncodePylon(EnvDev, 1)
	if err != nil {
		t.Fatal(err)
	}
	if id != 65 {
		t.Fatalf("expected pylonId 65, got %d", id)
	}
}
