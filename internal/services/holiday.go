package services

import (
	"strings"
	"time"

	"github.com/6tail/lunar-go/HolidayUtil"
	"github.com/6tail/lunar-go/calendar"
	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/au"
	"github.com/rickar/cal/v2/ca"
	"github.com/rickar/cal/v2/de"
	"github.com/rickar/cal/v2/fr"
	"github.com/rickar/cal/v2/gb"
	"github.com/rickar/cal/v2/jp"
	"github.com/rickar/cal/v2/nl"
	"github.com/rickar/cal/v2/us"
)

// HolidayService decides whether the digest runs on a given day.
// Country codes are ISO 3166 alpha-2; "NONE" means weekdays only and CN
// follows the official adjusted-workday schedule.
type HolidayService struct {
	calendars map[string]*cal.BusinessCalendar
}

func NewHolidayService() *HolidayService {
	s := &HolidayService{calendars: make(map[string]*cal.BusinessCalendar)}
	s.calendars["US"] = newCalendar("United States", us.Holidays...)
	s.calendars["GB"] = newCalendar("United Kingdom", gb.Holidays...)
	s.calendars["DE"] = newCalendar("Germany", de.Holidays...)
	s.calendars["FR"] = newCalendar("France", fr.Holidays...)
	s.calendars["JP"] = newCalendar("Japan", jp.Holidays...)
	s.calendars["AU"] = newCalendar("Australia", au.HolidaysNSW...)
	s.calendars["CA"] = newCalendar("Canada", ca.Holidays...)
	s.calendars["NL"] = newCalendar("Netherlands", nl.Holidays...)
	return s
}

func newCalendar(name string, holidays ...*cal.Holiday) *cal.BusinessCalendar {
	c := cal.NewBusinessCalendar()
	c.Name = name
	c.AddHoliday(holidays...)
	return c
}

// IsWorkday reports whether t is a working day in countryCode. An empty
// code treats every day as a workday.
func (s *HolidayService) IsWorkday(t time.Time, countryCode string) bool {
	switch code := strings.ToUpper(strings.TrimSpace(countryCode)); code {
	case "":
		return true
	case "CN":
		return isWorkdayChina(t)
	case "NONE":
		return !cal.IsWeekend(t)
	default:
		c, ok := s.calendars[code]
		if !ok {
			return !cal.IsWeekend(t)
		}
		return c.IsWorkday(t)
	}
}

func (s *HolidayService) Supported(countryCode string) bool {
	code := strings.ToUpper(countryCode)
	_, ok := s.calendars[code]
	return ok || code == "" || code == "CN" || code == "NONE"
}

func isWorkdayChina(t time.Time) bool {
	solar := calendar.NewSolarFromDate(t)
	if holiday := HolidayUtil.GetHolidayByYmd(solar.GetYear(), solar.GetMonth(), solar.GetDay()); holiday != nil {
		return holiday.IsWork()
	}
	weekday := t.Weekday()
	return weekday != time.Saturday && weekday != time.Sunday
}
