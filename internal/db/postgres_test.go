package db

import "testing"

func TestConfigDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "without password",
			cfg:  Config{Host: "localhost", Port: 5432, User: "chime", Database: "chime", SSLMode: "disable"},
			want: "host=localhost port=5432 user=chime dbname=chime sslmode=disable",
		},
		{
			name: "with password",
			cfg:  Config{Host: "db", Port: 6432, User: "app", Password: "s3cret", Database: "reminders", SSLMode: "require"},
			want: "host=db port=6432 user=app dbname=reminders sslmode=require password=s3cret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.DSN(); got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}
