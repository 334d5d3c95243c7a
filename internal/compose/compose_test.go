package compose

import (
	"reflect"
	"testing"
)

func TestArgvPrependsComposeFile(t *testing.T) {
	r := New("/srv/stack", "/srv/stack/fblaster-docker-compose.yml")
	got := r.argv("restart", "-t", "10", "cat")
	want := []string{"docker", "compose", "-f", "/srv/stack/fblaster-docker-compose.yml", "restart", "-t", "10", "cat"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("argv = %v, want %v", got, want)
	}
}
